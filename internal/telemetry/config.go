package telemetry

import (
	"net/url"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout: defaultTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return errFactory.WithData(ErrInvalidBaseURL, c.BaseURL)
	}
	return nil
}
