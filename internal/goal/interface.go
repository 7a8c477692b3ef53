package goal

import (
	"context"
	"time"

	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

// Upstream is what the scheduler needs from the resilience client.
type Upstream interface {
	FetchTelemetry(ctx context.Context, vin, credential string) (*telemetry.Telemetry, error)
	IssueControlCommand(ctx context.Context, vin, credential string, cmd telemetry.Command) error
	SendNotification(ctx context.Context, n notify.Notification) error
	SendLiveProgressUpdate(ctx context.Context, liveToken string, state notify.ProgressState)
}

type DeadlineRequest struct {
	VIN                 string    `json:"vin"`
	Credential          string    `json:"credential"`
	NotificationAddress string    `json:"notification_address"`
	LiveToken           string    `json:"live_token"`
	Deadline            time.Time `json:"deadline"`
	AutoStopCharging    bool      `json:"auto_stop_charging"`
}

type ThresholdRequest struct {
	VIN                 string  `json:"vin"`
	Credential          string  `json:"credential"`
	NotificationAddress string  `json:"notification_address"`
	LiveToken           string  `json:"live_token"`
	TargetOdometerKm    float64 `json:"target_odometer_km"`
}
