package resilience

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"github.com/looplab/fsm"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"

	eventTrip   = "trip"
	eventTrial  = "trial"
	eventReset  = "reset"
	eventReopen = "reopen"
)

// Breaker is a consecutive-failure circuit breaker. While open it rejects
// calls with ErrCircuitOpen; after the cooldown exactly one caller is let
// through as a half-open trial.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	log       logger.Logger

	mu       sync.Mutex
	machine  *fsm.FSM
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(name string, threshold int, cooldown time.Duration, clk clock.Clock, collector metrics.Collector, log logger.Logger) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		log:       log,
	}

	b.machine = fsm.NewFSM(
		StateClosed,
		fsm.Events{
			{Name: eventTrip, Src: []string{StateClosed}, Dst: StateOpen},
			{Name: eventTrial, Src: []string{StateOpen}, Dst: StateHalfOpen},
			{Name: eventReset, Src: []string{StateHalfOpen}, Dst: StateClosed},
			{Name: eventReopen, Src: []string{StateHalfOpen}, Dst: StateOpen},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				collector.BreakerState(name, e.Dst)
				log.Info().
					Str("breaker", name).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("Circuit breaker state changed")
			},
		},
	)
	collector.BreakerState(name, StateClosed)

	return b
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(ctx, trial, err)

	return err
}

func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.machine.Current() {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false, b.rejection()
		}
		b.fire(ctx, eventTrial)
		b.probing = true
		return true, nil
	default:
		// Half-open with no trial in flight happens after an inconclusive trial.
		if b.probing {
			return false, b.rejection()
		}
		b.probing = true
		return true, nil
	}
}

func (b *Breaker) record(ctx context.Context, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
	}

	switch {
	case err == nil:
		b.failures = 0
		if trial {
			b.fire(ctx, eventReset)
		}
	case !countsAsFailure(err):
		// Leave counters alone; a half-open breaker admits the next caller as trial.
	case trial:
		b.openedAt = b.clock.Now()
		b.fire(ctx, eventReopen)
	case b.machine.Current() == StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.failures = 0
			b.openedAt = b.clock.Now()
			b.fire(ctx, eventTrip)
		}
	}
}

func (b *Breaker) fire(ctx context.Context, event string) {
	if err := b.machine.Event(ctx, event); err != nil {
		b.log.Debug().Err(err).Str("breaker", b.name).Str("event", event).Msg("Ignored breaker event")
	}
}

func (b *Breaker) rejection() error {
	return errors.New().WithData(ErrCircuitOpen, b.name)
}

// countsAsFailure reports whether err says something about the upstream's
// health. Rejected credentials and cancelled callers do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, code := range []errors.ErrorCode{telemetry.ErrAuthRejected, notify.ErrInvalidInput, errors.ErrInvalidArgument} {
		if errors.HasCode(err, code) {
			return false
		}
	}
	return true
}
