package resilience

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultBackoff          = time.Second
	defaultQueueSize        = 256
)

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxAttempts      int
	Backoff          time.Duration
	QueueSize        int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		Cooldown:         defaultCooldown,
		MaxAttempts:      defaultMaxAttempts,
		Backoff:          defaultBackoff,
		QueueSize:        defaultQueueSize,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.FailureThreshold < 1:
		return errFactory.WithMessage(ErrInvalidConfig, "breaker failure threshold must be at least 1")
	case c.Cooldown <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "breaker cooldown must be positive")
	case c.MaxAttempts < 1:
		return errFactory.WithMessage(ErrInvalidConfig, "queue max attempts must be at least 1")
	case c.Backoff < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "queue backoff must not be negative")
	case c.QueueSize < 1:
		return errFactory.WithMessage(ErrInvalidConfig, "queue size must be at least 1")
	}
	return nil
}
