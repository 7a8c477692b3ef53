package api

import (
	"context"

	"codeberg.org/mutker/evtrack/internal/goal"
	"codeberg.org/mutker/evtrack/internal/store"
)

// Vehicles is the part of the store the API writes to directly.
type Vehicles interface {
	UpsertVehicle(ctx context.Context, v *store.Vehicle) error
	DeleteVehicle(ctx context.Context, vin string) error
}

// Goals is implemented by *goal.Scheduler.
type Goals interface {
	RegisterDeadline(ctx context.Context, req goal.DeadlineRequest) (*store.GoalTask, error)
	RegisterThreshold(ctx context.Context, req goal.ThresholdRequest) (*store.GoalTask, error)
	Cancel(ctx context.Context, vin, address string) (bool, error)
	UpdateLiveToken(ctx context.Context, vin, token string) error
	LoopRunning() bool
}

// BreakerStates reports the current state of every circuit breaker.
type BreakerStates func() map[string]string

type linkRequest struct {
	Credential          string `json:"credential"`
	NotificationAddress string `json:"notification_address"`
}

type cancelRequest struct {
	NotificationAddress string `json:"notification_address"`
}

type liveTokenRequest struct {
	LiveToken string `json:"live_token"`
}

type taskResponse struct {
	ID                 string   `json:"id"`
	VIN                string   `json:"vin"`
	Mode               string   `json:"mode"`
	Deadline           string   `json:"deadline,omitempty"`
	TargetOdometerKm   float64  `json:"target_odometer_km,omitempty"`
	AutoStopCharging   bool     `json:"auto_stop_charging"`
	BaselineOdometerKm *float64 `json:"baseline_odometer_km,omitempty"`
	BaselineSOC        *float64 `json:"baseline_soc,omitempty"`
	CreatedAt          string   `json:"created_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status        string            `json:"status"`
	Breakers      map[string]string `json:"breakers"`
	ThresholdLoop bool              `json:"threshold_loop"`
}
