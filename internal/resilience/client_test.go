package resilience_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/resilience"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	err      error
	commands []telemetry.Command
}

func (p *fakeProvider) FetchTelemetry(_ context.Context, vin, _ string) (*telemetry.Telemetry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &telemetry.Telemetry{VIN: vin, OdometerKm: 100}, nil
}

func (p *fakeProvider) IssueControlCommand(_ context.Context, _, _ string, cmd telemetry.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.commands = append(p.commands, cmd)
	return p.err
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *fakeSender) SendNotification(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

type fakeLive struct {
	err error
}

func (l *fakeLive) SendLiveProgressUpdate(context.Context, string, notify.ProgressState) error {
	return l.err
}

func newClient(t *testing.T, p *fakeProvider, clk clock.Clock) (*resilience.Client, *fakeSender) {
	t.Helper()

	cfg := resilience.DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.Backoff = time.Millisecond

	sender := &fakeSender{}
	c, err := resilience.NewClient(cfg, p, sender, &fakeLive{err: errors.New().New(notify.ErrLiveUpdate)}, clk, metrics.Noop(), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c, sender
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	p := &fakeProvider{err: errors.New().New(telemetry.ErrServerError)}
	c, _ := newClient(t, p, clk)

	for i := 0; i < 3; i++ {
		_, err := c.FetchTelemetry(ctx, "VIN1", "tok")
		assert.True(t, errors.HasCode(err, telemetry.ErrServerError))
	}
	assert.Equal(t, 3, p.callCount())

	// Control commands share the provider breaker.
	err := c.IssueControlCommand(ctx, "VIN1", "tok", telemetry.CommandStopCharging)
	assert.True(t, errors.HasCode(err, resilience.ErrCircuitOpen))
	_, err = c.FetchTelemetry(ctx, "VIN1", "tok")
	assert.True(t, errors.HasCode(err, resilience.ErrCircuitOpen))
	assert.Equal(t, 3, p.callCount(), "no upstream call while open")

	p.setErr(nil)
	clk.Advance(30 * time.Second)

	got, err := c.FetchTelemetry(ctx, "VIN1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "VIN1", got.VIN)
	assert.Equal(t, 4, p.callCount())
	assert.Equal(t, resilience.StateClosed, c.BreakerStates()["provider"])
}

func TestClientPushBreakerIsIndependent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{err: errors.New().New(telemetry.ErrServerError)}
	c, sender := newClient(t, p, clock.NewFake(time.Unix(0, 0)))

	for i := 0; i < 3; i++ {
		_, _ = c.FetchTelemetry(ctx, "VIN1", "tok")
	}
	require.Equal(t, resilience.StateOpen, c.BreakerStates()["provider"])

	require.NoError(t, c.SendNotification(ctx, notify.Notification{Address: "dev-1", Title: "t"}))
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, resilience.StateClosed, c.BreakerStates()["push"])
}

func TestClientLiveUpdateIsBestEffort(t *testing.T) {
	c, _ := newClient(t, &fakeProvider{}, clock.Real())

	assert.NotPanics(t, func() {
		c.SendLiveProgressUpdate(context.Background(), "tok", notify.ProgressState{VIN: "VIN1"})
		c.SendLiveProgressUpdate(context.Background(), "", notify.ProgressState{VIN: "VIN1"})
	})
}
