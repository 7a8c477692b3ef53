package goal

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	ErrTaskExists   = errors.ErrTaskExists
	ErrTaskNotFound = errors.ErrTaskNotFound
	ErrInvalidTask  = errors.ErrInvalidTask
	ErrClosed       = errors.ErrorCode("goal_scheduler_closed")
)
