package notify

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("notify_invalid_config")
	ErrPushFailed    = errors.ErrorCode("notify_push_failed")
	ErrPushRejected  = errors.ErrorCode("notify_push_rejected")
	ErrLiveUpdate    = errors.ErrorCode("notify_live_update_failed")
	ErrInvalidInput  = errors.ErrorCode("notify_invalid_input")
)
