package summary

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 10
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.BatchSize < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "summary batch size must be at least 1")
	}
	return nil
}
