package telemetry

import (
	"context"
	"time"
)

type KeyStatus string

const (
	KeyOff       KeyStatus = "off"
	KeyAccessory KeyStatus = "accessory"
	KeyRunning   KeyStatus = "running"
)

type LockStatus string

const (
	Locked   LockStatus = "locked"
	Unlocked LockStatus = "unlocked"
)

type ChargeStatus string

const (
	NotCharging    ChargeStatus = "not_charging"
	Charging       ChargeStatus = "charging"
	ChargeStopped  ChargeStatus = "stopped"
	ChargeComplete ChargeStatus = "complete"
)

// Command is a vehicle control command.
type Command string

const (
	CommandStopCharging Command = "charge_stop"
)

// Status is the raw triple of status codes the session logic works on.
type Status struct {
	Key    KeyStatus
	Lock   LockStatus
	Charge ChargeStatus
}

// Telemetry is one snapshot reported by the vehicle provider.
type Telemetry struct {
	VIN                    string       `json:"vin"`
	KeyStatus              KeyStatus    `json:"key_status"`
	LockStatus             LockStatus   `json:"lock_status"`
	ChargeStatus           ChargeStatus `json:"charge_status"`
	Latitude               float64      `json:"lat"`
	Longitude              float64      `json:"lon"`
	SOCPercent             float64      `json:"soc_percent"`
	RemainingRangeKm       float64      `json:"remaining_range_km"`
	OdometerKm             float64      `json:"odometer_km"`
	ChargeSecondsRemaining int64        `json:"charge_seconds_remaining"`
	ReceivedAt             time.Time    `json:"-"`
}

func (t *Telemetry) Status() Status {
	return Status{Key: t.KeyStatus, Lock: t.LockStatus, Charge: t.ChargeStatus}
}

// Provider is the upstream vehicle telemetry and control API.
type Provider interface {
	FetchTelemetry(ctx context.Context, vin, credential string) (*Telemetry, error)
	IssueControlCommand(ctx context.Context, vin, credential string, cmd Command) error
}
