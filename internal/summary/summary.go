// Package summary computes drive and charge statistics for closed sessions
// in the background.
package summary

import (
	"context"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/store"
	"golang.org/x/sync/errgroup"
)

type Computer struct {
	cfg     Config
	repo    store.Repository
	clock   clock.Clock
	metrics metrics.Collector
	log     logger.Logger
}

func New(cfg Config, repo store.Repository, clk clock.Clock, collector metrics.Collector, log logger.Logger) (*Computer, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return &Computer{
		cfg:     cfg,
		repo:    repo,
		clock:   clk,
		metrics: collector,
		log:     log,
	}, nil
}

func (c *Computer) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", c.cfg.Interval).Msg("Summary computer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Summary computer stopped")
			return nil
		case <-ticker.C():
			if err := c.Tick(ctx); err != nil {
				c.log.ErrorWithCode(err).Msg("Summary tick failed")
			}
		}
	}
}

// Tick summarizes one batch of closed pending sessions of each kind.
func (c *Computer) Tick(ctx context.Context) error {
	var g errgroup.Group

	for _, kind := range []store.Kind{store.KindDrive, store.KindCharge} {
		sessions, err := c.repo.ListSessionsByStatus(ctx, kind, store.SummaryPending, c.cfg.BatchSize)
		if err != nil {
			return err
		}

		for _, s := range sessions {
			g.Go(func() error {
				c.summarize(ctx, s)
				return nil
			})
		}
	}

	return g.Wait()
}

func (c *Computer) summarize(ctx context.Context, s *store.Session) {
	claimed, err := c.repo.TransitionSummary(ctx, s.Kind, s.ID, store.SummaryPending, store.SummaryCalculating)
	if err != nil {
		c.log.ErrorWithCode(err).Str("kind", string(s.Kind)).Int64("id", s.ID).Msg("Failed to claim session")
		return
	}
	if !claimed {
		return
	}

	summary, err := c.compute(ctx, s)
	if err == nil {
		err = c.repo.CompleteSummary(ctx, s.Kind, s.ID, summary)
	}

	if err != nil {
		c.log.ErrorWithCode(err).Str("kind", string(s.Kind)).Int64("id", s.ID).Msg("Session summary failed")
		if _, ferr := c.repo.TransitionSummary(ctx, s.Kind, s.ID, store.SummaryCalculating, store.SummaryFailed); ferr != nil {
			c.log.ErrorWithCode(ferr).Int64("id", s.ID).Msg("Failed to mark session summary failed")
		}
		c.metrics.SummaryFinished(string(s.Kind), string(store.SummaryFailed))
		return
	}

	c.log.Debug().
		Str("kind", string(s.Kind)).
		Int64("id", s.ID).
		Int("points", summary.PointCount).
		Float64("distance_km", summary.DistanceKm).
		Msg("Session summarized")
	c.metrics.SummaryFinished(string(s.Kind), string(store.SummaryCompleted))
}

func (c *Computer) compute(ctx context.Context, s *store.Session) (store.Summary, error) {
	var summary store.Summary

	if s.End != nil {
		summary.DurationSeconds = int64(s.End.Time.Sub(s.Start.Time).Seconds())
	}

	agg, err := c.repo.AggregateSpeed(ctx, s.Kind, s.ID)
	if err != nil {
		return store.Summary{}, err
	}
	if agg.Count == 0 {
		return store.Summary{}, nil
	}
	summary.PointCount = agg.Count

	first, last, err := c.repo.SessionBounds(ctx, s.Kind, s.ID)
	if err != nil {
		return store.Summary{}, err
	}
	// The points can vanish between the two reads when the vehicle is unlinked.
	if first == nil || last == nil {
		return store.Summary{}, errors.New().WithData(store.ErrSessionNotFound, s.ID)
	}

	switch s.Kind {
	case store.KindDrive:
		summary.DistanceKm = last.OdometerKm - first.OdometerKm
		summary.ConsumedRangeKm = first.RangeKm - last.RangeKm
		summary.MaxSpeedKmh = agg.Max
		summary.AvgSpeedKmh = agg.Avg
	case store.KindCharge:
		summary.AddedRangeKm = last.RangeKm - first.RangeKm
	}

	return summary, nil
}
