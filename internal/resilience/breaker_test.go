package resilience

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errServer = errors.New().New(telemetry.ErrServerError)
	errAuth   = errors.New().New(telemetry.ErrAuthRejected)
)

func newTestBreaker(clk clock.Clock) *Breaker {
	return NewBreaker("test", 3, 30*time.Second, clk, metrics.Noop(), logger.Nop())
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(ctx, fail(errServer))
		assert.True(t, errors.HasCode(err, telemetry.ErrServerError))
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errors.HasCode(err, ErrCircuitOpen))
	assert.False(t, called, "open breaker must not call upstream")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail(errServer))
	}
	require.NoError(t, b.Execute(ctx, succeed))
	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail(errServer))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresAuthRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail(errAuth))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail(errServer))
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(29 * time.Second)
	assert.True(t, errors.HasCode(b.Execute(ctx, succeed), ErrCircuitOpen))

	clk.Advance(time.Second)

	// While the trial is in flight every other caller is rejected.
	err := b.Execute(ctx, func(ctx context.Context) error {
		assert.Equal(t, StateHalfOpen, b.State())
		assert.True(t, errors.HasCode(b.Execute(ctx, succeed), ErrCircuitOpen))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedTrialRestartsCooldown(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail(errServer))
	}

	clk.Advance(30 * time.Second)
	_ = b.Execute(ctx, fail(errServer))
	assert.Equal(t, StateOpen, b.State())

	clk.Advance(20 * time.Second)
	assert.True(t, errors.HasCode(b.Execute(ctx, succeed), ErrCircuitOpen))

	clk.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerInconclusiveTrial(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail(errServer))
	}
	clk.Advance(30 * time.Second)

	_ = b.Execute(ctx, fail(errAuth))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}
