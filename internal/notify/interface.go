package notify

import "context"

// Notification is a terminal, user-visible push message.
type Notification struct {
	Address string `json:"address"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Tag     string `json:"tag"`
}

// ProgressState is the payload of a live progress update.
type ProgressState struct {
	VIN                    string  `json:"vin"`
	OdometerKm             float64 `json:"odometer_km"`
	TargetOdometerKm       float64 `json:"target_odometer_km"`
	RemainingKm            float64 `json:"remaining_km"`
	Progress               float64 `json:"progress"`
	SOCPercent             float64 `json:"soc_percent"`
	RemainingRangeKm       float64 `json:"remaining_range_km"`
	ChargeStatus           string  `json:"charge_status"`
	ChargeSecondsRemaining int64   `json:"charge_seconds_remaining"`
	UpdatedAt              int64   `json:"updated_at"`
}

// Sender delivers notifications to the push provider.
type Sender interface {
	SendNotification(ctx context.Context, n Notification) error
}

// LiveUpdater refreshes a live-activity style progress view.
type LiveUpdater interface {
	SendLiveProgressUpdate(ctx context.Context, liveToken string, state ProgressState) error
}

type noopLiveUpdater struct{}

// NoopLiveUpdater discards updates; used when no live channel is configured.
func NoopLiveUpdater() LiveUpdater {
	return noopLiveUpdater{}
}

func (noopLiveUpdater) SendLiveProgressUpdate(context.Context, string, ProgressState) error {
	return nil
}
