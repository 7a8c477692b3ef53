package metrics

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrRegister      = errors.ErrorCode("metrics_register_failed")
)
