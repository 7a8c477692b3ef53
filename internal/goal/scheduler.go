// Package goal runs per-vehicle goal tasks: one-shot deadline reminders and
// odometer thresholds watched by a shared polling loop.
package goal

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/store"
)

const notifyTimeout = 2 * time.Minute

// Scheduler owns every goal task timer and the threshold loop. All state
// lives on the instance; construct one per process.
type Scheduler struct {
	cfg      Config
	repo     store.Repository
	upstream Upstream
	clock    clock.Clock
	metrics  metrics.Collector
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[string]deadlineTimer
	seq    uint64

	loop thresholdLoop
}

// deadlineTimer is one armed deadline. seq tells a stale callback apart
// from the timer currently registered for the VIN.
type deadlineTimer struct {
	timer clock.Timer
	seq   uint64
}

func New(cfg Config, repo store.Repository, upstream Upstream, clk clock.Clock, collector metrics.Collector, log logger.Logger) (*Scheduler, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:      cfg,
		repo:     repo,
		upstream: upstream,
		clock:    clk,
		metrics:  collector,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]deadlineTimer),
	}, nil
}

// RegisterDeadline persists a deadline task and arms its timer.
func (s *Scheduler) RegisterDeadline(ctx context.Context, req DeadlineRequest) (*store.GoalTask, error) {
	errFactory := errors.New()

	if err := validate(req.VIN, req.Credential); err != nil {
		return nil, err
	}
	if !req.Deadline.After(s.clock.Now()) {
		return nil, errFactory.WithMessage(ErrInvalidTask, "deadline must be in the future")
	}

	task := &store.GoalTask{
		VIN:                 req.VIN,
		Mode:                store.ModeDeadline,
		Deadline:            req.Deadline,
		AutoStopCharging:    req.AutoStopCharging,
		Credential:          req.Credential,
		NotificationAddress: req.NotificationAddress,
		LiveToken:           req.LiveToken,
	}
	if err := s.create(ctx, task); err != nil {
		return nil, err
	}

	s.armDeadline(task.VIN, task.Deadline)

	s.log.Info().
		Str("vin", task.VIN).
		Time("deadline", task.Deadline).
		Bool("auto_stop_charging", task.AutoStopCharging).
		Msg("Deadline task registered")

	return task, nil
}

// RegisterThreshold persists a threshold task and makes sure the shared
// loop is running.
func (s *Scheduler) RegisterThreshold(ctx context.Context, req ThresholdRequest) (*store.GoalTask, error) {
	errFactory := errors.New()

	if err := validate(req.VIN, req.Credential); err != nil {
		return nil, err
	}
	if req.TargetOdometerKm <= 0 {
		return nil, errFactory.WithMessage(ErrInvalidTask, "target odometer must be positive")
	}

	task := &store.GoalTask{
		VIN:                 req.VIN,
		Mode:                store.ModeThreshold,
		TargetOdometerKm:    req.TargetOdometerKm,
		Credential:          req.Credential,
		NotificationAddress: req.NotificationAddress,
		LiveToken:           req.LiveToken,
	}
	if err := s.create(ctx, task); err != nil {
		return nil, err
	}

	s.ensureLoop()

	s.log.Info().
		Str("vin", task.VIN).
		Float64("target_odometer_km", task.TargetOdometerKm).
		Msg("Threshold task registered")

	return task, nil
}

// Cancel removes the task for vin, if any, and reports whether one existed.
// A "cancelled" notification is attempted either way, to the task's address
// or to address when there was no task.
func (s *Scheduler) Cancel(ctx context.Context, vin, address string) (bool, error) {
	errFactory := errors.New()

	task, err := s.repo.GetTask(ctx, vin)
	switch {
	case err == nil:
		address = task.NotificationAddress
	case !errors.HasCode(err, store.ErrTaskNotFound):
		return false, errFactory.Wrap(errors.ErrInternal, err)
	}

	existed, err := s.repo.DeleteTask(ctx, vin)
	if err != nil {
		return false, errFactory.Wrap(errors.ErrInternal, err)
	}

	s.disarmDeadline(vin)
	if task != nil && task.Mode == store.ModeThreshold {
		s.stopLoopIfIdle(ctx)
	}

	s.notifyAsync(notify.Notification{
		Address: address,
		Title:   "Task cancelled",
		Body:    "Your vehicle goal was cancelled.",
		Tag:     tagCancelled,
	}, vin)

	if existed {
		s.log.Info().Str("vin", vin).Msg("Goal task cancelled")
		s.reportTasks(ctx)
	}

	return existed, nil
}

// UpdateLiveToken replaces the live progress token of an existing task.
func (s *Scheduler) UpdateLiveToken(ctx context.Context, vin, token string) error {
	return s.repo.UpdateTaskLiveToken(ctx, vin, token)
}

// Recover reloads persisted tasks after a restart. Deadline tasks already
// due are discarded without firing.
func (s *Scheduler) Recover(ctx context.Context) error {
	now := s.clock.Now()

	deadlines, err := s.repo.ListTasks(ctx, store.ModeDeadline)
	if err != nil {
		return err
	}

	armed := 0
	for _, task := range deadlines {
		if !task.Deadline.After(now) {
			if _, err := s.repo.DeleteTask(ctx, task.VIN); err != nil {
				s.log.ErrorWithCode(err).Str("vin", task.VIN).Msg("Failed to discard expired deadline task")
				continue
			}
			s.log.Info().Str("vin", task.VIN).Time("deadline", task.Deadline).Msg("Discarded expired deadline task")
			continue
		}
		s.armDeadline(task.VIN, task.Deadline)
		armed++
	}

	thresholds, err := s.repo.ListTasks(ctx, store.ModeThreshold)
	if err != nil {
		return err
	}
	if len(thresholds) > 0 {
		s.ensureLoop()
	}

	s.log.Info().
		Int("deadline_tasks", armed).
		Int("threshold_tasks", len(thresholds)).
		Msg("Goal tasks recovered")
	s.reportTasks(ctx)

	return nil
}

// Close stops every timer and the threshold loop, then waits for running
// work to finish. Persisted tasks are kept for Recover.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for vin, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, vin)
	}
	s.mu.Unlock()

	s.loop.mu.Lock()
	s.loop.closed = true
	s.requestStopLocked()
	s.loop.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) create(ctx context.Context, task *store.GoalTask) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New().New(ErrClosed)
	}

	task.CreatedAt = s.clock.Now()
	s.captureBaseline(ctx, task)

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return err
	}
	s.reportTasks(ctx)

	return nil
}

// captureBaseline records the odometer and SOC at registration. Failure to
// reach the vehicle leaves the baseline empty.
func (s *Scheduler) captureBaseline(ctx context.Context, task *store.GoalTask) {
	t, err := s.upstream.FetchTelemetry(ctx, task.VIN, task.Credential)
	if err != nil {
		s.log.Debug().Err(err).Str("vin", task.VIN).Msg("No baseline telemetry for goal task")
		return
	}

	odo, soc := t.OdometerKm, t.SOCPercent
	task.BaselineOdometerKm = &odo
	task.BaselineSOC = &soc
}

func (s *Scheduler) reportTasks(ctx context.Context) {
	for _, mode := range []store.TaskMode{store.ModeDeadline, store.ModeThreshold} {
		tasks, err := s.repo.ListTasks(ctx, mode)
		if err != nil {
			continue
		}
		s.metrics.GoalTasksActive(string(mode), len(tasks))
	}
}

// goBackground runs fn on a tracked goroutine unless the scheduler is closed.
func (s *Scheduler) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Scheduler) notifyAsync(n notify.Notification, vin string) {
	if n.Address == "" {
		return
	}

	s.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()

		if err := s.upstream.SendNotification(ctx, n); err != nil {
			s.log.Warn().Err(err).Str("vin", vin).Str("tag", n.Tag).Msg("Failed to send goal notification")
		}
	})
}

func validate(vin, credential string) error {
	errFactory := errors.New()

	if vin == "" {
		return errFactory.WithMessage(ErrInvalidTask, "vin is required")
	}
	if credential == "" {
		return errFactory.WithMessage(ErrInvalidTask, "credential is required")
	}
	return nil
}
