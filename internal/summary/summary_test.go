package summary_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) store.Repository {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "evtrack.db")
	repo, err := store.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newComputer(t *testing.T, repo store.Repository) *summary.Computer {
	t.Helper()

	c, err := summary.New(summary.DefaultConfig(), repo, clock.NewFake(t0), metrics.Noop(), logger.Nop())
	require.NoError(t, err)
	return c
}

type point struct {
	odo, rangeKm, speed float64
}

// closedSession creates a closed session of kind with one data point per entry.
func closedSession(t *testing.T, repo store.Repository, kind store.Kind, points []point) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := repo.CreateSession(ctx, kind, "VIN1", store.Endpoint{Time: t0})
	require.NoError(t, err)

	for i, p := range points {
		dp := &store.DataPoint{
			VIN:        "VIN1",
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			OdometerKm: p.odo,
			RangeKm:    p.rangeKm,
			SpeedKmh:   p.speed,
		}
		if kind == store.KindDrive {
			dp.DriveID = &id
		} else {
			dp.ChargeID = &id
		}
		_, err := repo.InsertDataPoint(ctx, dp)
		require.NoError(t, err)
	}

	require.NoError(t, repo.CloseSession(ctx, kind, id, store.Endpoint{Time: t0.Add(20 * time.Minute)}))
	return id
}

func TestTickSummarizesDrive(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id := closedSession(t, repo, store.KindDrive, []point{
		{odo: 1000, rangeKm: 300, speed: 0},
		{odo: 1005, rangeKm: 294, speed: 60},
		{odo: 1012, rangeKm: 287, speed: 90},
	})

	require.NoError(t, newComputer(t, repo).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryCompleted, s.SummaryStatus)
	assert.InDelta(t, 12, s.Summary.DistanceKm, 1e-9)
	assert.InDelta(t, 13, s.Summary.ConsumedRangeKm, 1e-9)
	assert.InDelta(t, 90, s.Summary.MaxSpeedKmh, 1e-9)
	assert.InDelta(t, 50, s.Summary.AvgSpeedKmh, 1e-9)
	assert.Equal(t, 3, s.Summary.PointCount)
	assert.Equal(t, int64(20*60), s.Summary.DurationSeconds)
}

func TestTickSummarizesCharge(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id := closedSession(t, repo, store.KindCharge, []point{
		{odo: 1012, rangeKm: 100},
		{odo: 1012, rangeKm: 250},
	})

	require.NoError(t, newComputer(t, repo).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindCharge, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryCompleted, s.SummaryStatus)
	assert.InDelta(t, 150, s.Summary.AddedRangeKm, 1e-9)
	assert.Zero(t, s.Summary.MaxSpeedKmh)
	assert.Equal(t, 2, s.Summary.PointCount)
}

func TestTickZeroPointsCompletesWithZeros(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id := closedSession(t, repo, store.KindDrive, nil)

	require.NoError(t, newComputer(t, repo).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryCompleted, s.SummaryStatus)
	assert.Equal(t, store.Summary{}, s.Summary)
}

func TestTickSkipsOpenSessions(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id, err := repo.CreateSession(ctx, store.KindDrive, "VIN1", store.Endpoint{Time: t0})
	require.NoError(t, err)

	require.NoError(t, newComputer(t, repo).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryPending, s.SummaryStatus)
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) AggregateSpeed(context.Context, store.Kind, int64) (store.SpeedAggregate, error) {
	return store.SpeedAggregate{}, errors.New().New(store.ErrStorageAccess)
}

func TestTickFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id := closedSession(t, repo, store.KindDrive, []point{{odo: 1000}})

	require.NoError(t, newComputer(t, failingRepo{repo}).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryFailed, s.SummaryStatus)

	// A later tick with a healthy store does not retry it.
	require.NoError(t, newComputer(t, repo).Tick(ctx))
	s, err = repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryFailed, s.SummaryStatus)
}

type racingRepo struct {
	store.Repository
}

// TransitionSummary lets another worker claim the session first.
func (r racingRepo) TransitionSummary(ctx context.Context, kind store.Kind, id int64, from, to store.SummaryStatus) (bool, error) {
	if _, err := r.Repository.TransitionSummary(ctx, kind, id, from, to); err != nil {
		return false, err
	}
	return r.Repository.TransitionSummary(ctx, kind, id, from, to)
}

func TestTickLosingClaimSkipsSession(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id := closedSession(t, repo, store.KindDrive, []point{{odo: 1000}})

	require.NoError(t, newComputer(t, racingRepo{repo}).Tick(ctx))

	s, err := repo.GetSession(ctx, store.KindDrive, id)
	require.NoError(t, err)
	assert.Equal(t, store.SummaryCalculating, s.SummaryStatus, "left to the worker that won the claim")
}

func TestTickRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for i := 0; i < 3; i++ {
		closedSession(t, repo, store.KindDrive, nil)
	}

	cfg := summary.DefaultConfig()
	cfg.BatchSize = 2
	c, err := summary.New(cfg, repo, clock.NewFake(t0), metrics.Noop(), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Tick(ctx))

	pending, err := repo.ListSessionsByStatus(ctx, store.KindDrive, store.SummaryPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// unlinkingRepo removes the vehicle right after the aggregate read, as an
// account unlink landing in the middle of a tick would.
type unlinkingRepo struct {
	store.Repository
}

func (r unlinkingRepo) AggregateSpeed(ctx context.Context, kind store.Kind, id int64) (store.SpeedAggregate, error) {
	agg, err := r.Repository.AggregateSpeed(ctx, kind, id)
	if err != nil {
		return agg, err
	}
	return agg, r.Repository.DeleteVehicle(ctx, "VIN1")
}

func TestTickSurvivesUnlinkDuringSummary(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.UpsertVehicle(ctx, &store.Vehicle{VIN: "VIN1", Credential: "tok", NextPollTime: t0}))
	id := closedSession(t, repo, store.KindDrive, []point{
		{odo: 1000, rangeKm: 300},
		{odo: 1010, rangeKm: 290, speed: 60},
	})

	require.NotPanics(t, func() {
		require.NoError(t, newComputer(t, unlinkingRepo{repo}).Tick(ctx))
	})

	_, err := repo.GetSession(ctx, store.KindDrive, id)
	assert.True(t, errors.HasCode(err, store.ErrSessionNotFound))
}
