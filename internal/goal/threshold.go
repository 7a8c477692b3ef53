package goal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// thresholdLoop is the lifecycle of the single shared threshold loop.
//
// A stop raises stopRequested and stops the ticker at once; the goroutine
// exits only after the tick in flight, and only then clears running. A
// registration arriving in between sets restartPending, and the exiting
// goroutine starts the next loop itself, so two loops never overlap.
type thresholdLoop struct {
	mu             sync.Mutex
	running        bool
	stopRequested  bool
	restartPending bool
	closed         bool
	ticker         clock.Ticker
	stop           chan struct{}
	// gen counts registrations so an idle check that raced with one does
	// not stop the loop.
	gen    uint64
	starts int

	tickInProgress atomic.Bool
}

// LoopRunning reports whether the threshold loop goroutine is alive.
func (s *Scheduler) LoopRunning() bool {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()
	return s.loop.running
}

func (s *Scheduler) ensureLoop() {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	s.loop.gen++

	switch {
	case s.loop.closed:
	case !s.loop.running:
		s.startLoopLocked()
	case s.loop.stopRequested:
		s.loop.restartPending = true
	}
}

func (s *Scheduler) startLoopLocked() {
	s.loop.running = true
	s.loop.stopRequested = false
	s.loop.restartPending = false
	s.loop.ticker = s.clock.NewTicker(s.cfg.ThresholdInterval)
	s.loop.stop = make(chan struct{})
	s.loop.starts++

	s.log.Debug().Int("start", s.loop.starts).Msg("Threshold loop started")

	s.wg.Add(1)
	go s.runLoop(s.loop.ticker, s.loop.stop)
}

func (s *Scheduler) requestStopLocked() {
	if !s.loop.running || s.loop.stopRequested {
		return
	}
	s.loop.stopRequested = true
	s.loop.restartPending = false
	s.loop.ticker.Stop()
	close(s.loop.stop)
}

func (s *Scheduler) runLoop(ticker clock.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer s.loopExited()

	for {
		// A pending stop wins over a pending tick.
		select {
		case <-stop:
			return
		default:
		}

		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			s.Tick(s.ctx)
		}
	}
}

func (s *Scheduler) loopExited() {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	s.loop.running = false
	s.loop.stopRequested = false
	s.log.Debug().Msg("Threshold loop stopped")

	if s.loop.restartPending && !s.loop.closed {
		s.startLoopLocked()
	}
}

// stopLoopIfIdle requests a loop stop when no threshold task is left.
func (s *Scheduler) stopLoopIfIdle(ctx context.Context) {
	s.loop.mu.Lock()
	gen := s.loop.gen
	s.loop.mu.Unlock()

	tasks, err := s.repo.ListTasks(ctx, store.ModeThreshold)
	if err != nil || len(tasks) > 0 {
		return
	}

	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	if s.loop.gen != gen {
		return
	}
	s.requestStopLocked()
}

// Tick checks every threshold task once. A tick requested while another is
// still running is dropped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.loop.tickInProgress.CompareAndSwap(false, true) {
		s.log.Debug().Msg("Threshold tick still running, skipping")
		return
	}
	defer s.loop.tickInProgress.Store(false)

	tasks, err := s.repo.ListTasks(ctx, store.ModeThreshold)
	if err != nil {
		s.log.ErrorWithCode(err).Msg("Failed to list threshold tasks")
		return
	}

	var g errgroup.Group
	for _, task := range tasks {
		g.Go(func() error {
			s.checkThreshold(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	s.stopLoopIfIdle(ctx)
}

func (s *Scheduler) checkThreshold(ctx context.Context, task *store.GoalTask) {
	t, err := s.upstream.FetchTelemetry(ctx, task.VIN, task.Credential)
	if err != nil {
		s.log.Debug().Err(err).Str("vin", task.VIN).Msg("Threshold fetch failed")
		return
	}

	s.upstream.SendLiveProgressUpdate(ctx, task.LiveToken, progressState(task, t, s.clock.Now().Unix()))

	reached := t.OdometerKm >= task.TargetOdometerKm
	stopped := t.ChargeStatus == telemetry.ChargeStopped
	if !reached && !stopped {
		return
	}

	// Deleting first makes completion happen once even if a cancel races us.
	existed, err := s.repo.DeleteTaskByID(ctx, task.VIN, task.ID)
	if err != nil {
		s.log.ErrorWithCode(err).Str("vin", task.VIN).Msg("Failed to delete threshold task")
		return
	}
	if !existed {
		return
	}

	s.log.Info().
		Str("vin", task.VIN).
		Float64("odometer_km", t.OdometerKm).
		Float64("target_odometer_km", task.TargetOdometerKm).
		Bool("charge_stopped", stopped).
		Msg("Threshold task completed")

	body := fmt.Sprintf("Odometer reached %.0f km.", t.OdometerKm)
	if !reached {
		body = "Charging has stopped."
	}
	s.notify(ctx, notify.Notification{
		Address: task.NotificationAddress,
		Title:   "Goal reached",
		Body:    body,
		Tag:     tagThreshold,
	}, task.VIN)
	s.reportTasks(ctx)
}

func progressState(task *store.GoalTask, t *telemetry.Telemetry, now int64) notify.ProgressState {
	base := t.OdometerKm
	if task.BaselineOdometerKm != nil {
		base = *task.BaselineOdometerKm
	}

	progress := 1.0
	if span := task.TargetOdometerKm - base; span > 0 {
		progress = math.Min(math.Max((t.OdometerKm-base)/span, 0), 1)
	}

	return notify.ProgressState{
		VIN:                    task.VIN,
		OdometerKm:             t.OdometerKm,
		TargetOdometerKm:       task.TargetOdometerKm,
		RemainingKm:            math.Max(task.TargetOdometerKm-t.OdometerKm, 0),
		Progress:               progress,
		SOCPercent:             t.SOCPercent,
		RemainingRangeKm:       t.RemainingRangeKm,
		ChargeStatus:           string(t.ChargeStatus),
		ChargeSecondsRemaining: t.ChargeSecondsRemaining,
		UpdatedAt:              now,
	}
}
