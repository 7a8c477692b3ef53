package poller

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const defaultTick = time.Second

type Config struct {
	Tick time.Duration
}

func DefaultConfig() Config {
	return Config{Tick: defaultTick}
}

func (c Config) Validate() error {
	if c.Tick <= 0 {
		return errors.New().WithData(errors.ErrInvalidInterval, c.Tick)
	}
	return nil
}
