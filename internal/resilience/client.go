package resilience

import (
	"context"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

const (
	providerBreaker = "provider"
	pushBreaker     = "push"
)

// Client guards the telemetry provider and the push provider. Telemetry and
// control calls share one breaker; push deliveries go through their own
// breaker and a single serialized queue.
type Client struct {
	provider telemetry.Provider
	sender   notify.Sender
	live     notify.LiveUpdater
	log      logger.Logger

	providerBreaker *Breaker
	pushBreaker     *Breaker
	queue           *Queue
}

var (
	_ telemetry.Provider = (*Client)(nil)
	_ notify.Sender      = (*Client)(nil)
)

// NewClient starts the notification queue worker; Close stops it.
func NewClient(cfg Config, provider telemetry.Provider, sender notify.Sender, live notify.LiveUpdater, clk clock.Clock, collector metrics.Collector, log logger.Logger) (*Client, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if live == nil {
		live = notify.NoopLiveUpdater()
	}

	c := &Client{
		provider:        provider,
		sender:          sender,
		live:            live,
		log:             log,
		providerBreaker: NewBreaker(providerBreaker, cfg.FailureThreshold, cfg.Cooldown, clk, collector, log),
		pushBreaker:     NewBreaker(pushBreaker, cfg.FailureThreshold, cfg.Cooldown, clk, collector, log),
	}
	c.queue = NewQueue(c.deliver, cfg, clk, collector.NotificationSent, log)

	return c, nil
}

func (c *Client) FetchTelemetry(ctx context.Context, vin, credential string) (*telemetry.Telemetry, error) {
	var t *telemetry.Telemetry
	err := c.providerBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		t, err = c.provider.FetchTelemetry(ctx, vin, credential)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Client) IssueControlCommand(ctx context.Context, vin, credential string, cmd telemetry.Command) error {
	return c.providerBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.provider.IssueControlCommand(ctx, vin, credential, cmd)
	})
}

// SendNotification queues n and waits for the final delivery result.
func (c *Client) SendNotification(ctx context.Context, n notify.Notification) error {
	return c.queue.Submit(ctx, n)
}

// SendLiveProgressUpdate is best effort: failures are logged, never returned.
func (c *Client) SendLiveProgressUpdate(ctx context.Context, liveToken string, state notify.ProgressState) {
	if liveToken == "" {
		return
	}
	if err := c.live.SendLiveProgressUpdate(ctx, liveToken, state); err != nil {
		c.log.Debug().Err(err).Str("vin", state.VIN).Msg("Live progress update failed")
	}
}

// BreakerStates reports the state of every breaker by name.
func (c *Client) BreakerStates() map[string]string {
	return map[string]string{
		providerBreaker: c.providerBreaker.State(),
		pushBreaker:     c.pushBreaker.State(),
	}
}

func (c *Client) Close() {
	c.queue.Close()
}

func (c *Client) deliver(ctx context.Context, n notify.Notification) error {
	return c.pushBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.sender.SendNotification(ctx, n)
	})
}
