package session

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	ErrInvalidInput   = errors.ErrInvalidArgument
	ErrSessionWrite   = errors.ErrorCode("session_write_failed")
	ErrDataPointWrite = errors.ErrorCode("session_data_point_write_failed")
)
