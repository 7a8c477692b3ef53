package api

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const (
	defaultListen          = "127.0.0.1:8088"
	defaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 1 << 16
)

type Config struct {
	Listen          string
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Listen:          defaultListen,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Listen == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "listen")
	}
	if c.ShutdownTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.ShutdownTimeout)
	}
	return nil
}
