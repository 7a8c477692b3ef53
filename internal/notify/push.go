package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const defaultPushTimeout = 10 * time.Second

type PushConfig struct {
	URL     string
	Timeout time.Duration
}

type httpSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender posts notifications as JSON to the push provider.
func NewHTTPSender(cfg PushConfig) (Sender, error) {
	errFactory := errors.New()

	if cfg.URL == "" {
		return nil, errFactory.WithData(ErrInvalidConfig, "push url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPushTimeout
	}

	return &httpSender{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *httpSender) SendNotification(ctx context.Context, n Notification) error {
	errFactory := errors.New()

	if n.Address == "" {
		return errFactory.WithData(ErrInvalidInput, "empty notification address")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return errFactory.Wrap(ErrInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return errFactory.Wrap(ErrPushFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrPushFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errFactory.WithData(ErrPushRejected, resp.StatusCode)
	}

	return nil
}
