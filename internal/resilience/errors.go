package resilience

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrCircuitOpen    = errors.ErrCircuitOpen
	ErrQueueClosed    = errors.ErrorCode("queue_closed")
	ErrDeliveryFailed = errors.ErrorCode("notification_delivery_failed")
)
