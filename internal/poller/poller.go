// Package poller schedules telemetry polls per vehicle with adaptive,
// jittered intervals.
package poller

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Processor applies a successful sample to a vehicle.
type Processor interface {
	Process(ctx context.Context, v *store.Vehicle, t *telemetry.Telemetry, now time.Time) (store.VehiclePatch, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithRand replaces the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Poller) {
		p.rand = f
	}
}

type Poller struct {
	cfg       Config
	repo      store.Repository
	provider  telemetry.Provider
	processor Processor
	clock     clock.Clock
	metrics   metrics.Collector
	log       logger.Logger
	rand      func() float64

	running atomic.Bool
}

func New(cfg Config, repo store.Repository, provider telemetry.Provider, processor Processor, clk clock.Clock, collector metrics.Collector, log logger.Logger, opts ...Option) (*Poller, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	p := &Poller{
		cfg:       cfg,
		repo:      repo,
		provider:  provider,
		processor: processor,
		clock:     clk,
		metrics:   collector,
		log:       log,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.log.Info().Dur("tick", p.cfg.Tick).Msg("Poll scheduler started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Poll scheduler stopped")
			return nil
		case <-ticker.C():
			if err := p.Tick(ctx); err != nil {
				p.log.ErrorWithCode(err).Msg("Poll tick failed")
			}
		}
	}
}

// Tick polls every due vehicle concurrently and returns once all of them
// have been handled. Ticks never overlap; a tick requested while another
// runs is skipped.
func (p *Poller) Tick(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug().Msg("Previous poll tick still running, skipping")
		return nil
	}
	defer p.running.Store(false)

	now := p.clock.Now()
	vehicles, err := p.repo.ListDueVehicles(ctx, now)
	if err != nil {
		return err
	}
	if len(vehicles) == 0 {
		return nil
	}

	p.log.Debug().Int("vehicles", len(vehicles)).Msg("Polling due vehicles")

	var g errgroup.Group
	for _, v := range vehicles {
		g.Go(func() error {
			p.poll(ctx, v)
			return nil
		})
	}

	return g.Wait()
}

func (p *Poller) poll(ctx context.Context, v *store.Vehicle) {
	start := p.clock.Now()

	t, err := p.provider.FetchTelemetry(ctx, v.VIN, v.Credential)
	outcome := Classify(err)

	var patch store.VehiclePatch
	if err == nil {
		now := p.clock.Now()
		// A failed Process still returns the session references it left
		// behind; they are persisted so the next poll does not reopen them.
		patch, err = p.processor.Process(ctx, v, t, now)
		if err != nil {
			p.log.ErrorWithCode(err).Str("vin", v.VIN).Msg("Failed to process telemetry")
			outcome = OutcomeOther
		}
	}

	state := v.State
	if patch.State != nil {
		state = *patch.State
	}

	window, next := NextPoll(state, outcome)
	nextPoll := p.clock.Now().Add(jitter(window, p.rand()))
	patch.State = &next
	patch.NextPollTime = &nextPoll

	if outcome != OutcomeSuccess {
		lastErr := string(errors.CodeOf(err))
		if lastErr == "" {
			lastErr = string(errors.ErrInternal)
		}
		patch.LastError = &lastErr

		p.log.Warn().
			Err(err).
			Str("vin", v.VIN).
			Str("outcome", string(outcome)).
			Str("state", string(next)).
			Time("next_poll", nextPoll).
			Msg("Poll failed")
	}

	if err := p.repo.UpdateVehicle(ctx, v.VIN, patch); err != nil {
		if errors.HasCode(err, store.ErrVehicleNotFound) {
			// Unlinked while the poll was in flight; drop what the ledger wrote.
			p.log.Debug().Str("vin", v.VIN).Msg("Vehicle removed during poll, dropping result")
			if err := p.repo.PurgeUnlinked(ctx, v.VIN); err != nil {
				p.log.ErrorWithCode(err).Str("vin", v.VIN).Msg("Failed to purge unlinked vehicle data")
			}
		} else {
			p.log.ErrorWithCode(err).Str("vin", v.VIN).Msg("Failed to update vehicle")
		}
	}

	p.metrics.PollCompleted(string(outcome), p.clock.Now().Sub(start))
}
