package goal

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const defaultThresholdInterval = 5 * time.Second

type Config struct {
	ThresholdInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ThresholdInterval: defaultThresholdInterval}
}

func (c Config) Validate() error {
	if c.ThresholdInterval <= 0 {
		return errors.New().WithData(errors.ErrInvalidInterval, c.ThresholdInterval)
	}
	return nil
}
