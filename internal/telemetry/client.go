package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const maxBodyBytes = 1 << 20

type httpProvider struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPProvider returns a Provider talking to the vendor REST API.
func NewHTTPProvider(cfg Config) (Provider, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &httpProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}, nil
}

func (p *httpProvider) FetchTelemetry(ctx context.Context, vin, credential string) (*Telemetry, error) {
	errFactory := errors.New()

	endpoint := fmt.Sprintf("%s/vehicles/%s/telemetry", p.baseURL, url.PathEscape(vin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformed, err)
	}

	body, err := p.do(req, credential)
	if err != nil {
		return nil, err
	}

	var t Telemetry
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, errFactory.Wrap(ErrMalformed, err)
	}
	if t.KeyStatus == "" || t.LockStatus == "" || t.ChargeStatus == "" {
		return nil, errFactory.WithData(ErrMalformed, "missing status codes")
	}
	if t.VIN == "" {
		t.VIN = vin
	}
	t.ReceivedAt = p.now()

	return &t, nil
}

func (p *httpProvider) IssueControlCommand(ctx context.Context, vin, credential string, cmd Command) error {
	errFactory := errors.New()

	endpoint := fmt.Sprintf("%s/vehicles/%s/commands/%s", p.baseURL, url.PathEscape(vin), url.PathEscape(string(cmd)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return errFactory.Wrap(ErrMalformed, err)
	}

	_, err = p.do(req, credential)
	return err
}

func (p *httpProvider) do(req *http.Request, credential string) ([]byte, error) {
	errFactory := errors.New()

	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errFactory.Wrap(ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errFactory.WithData(ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, errFactory.WithData(ErrServerError, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errFactory.WithData(ErrMalformed, resp.StatusCode)
	}

	return body, nil
}
