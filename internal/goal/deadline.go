package goal

import (
	"context"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

const (
	tagDeadline   = "goal_deadline"
	tagThreshold  = "goal_threshold"
	tagCancelled  = "goal_cancelled"
	minTimerDelay = time.Millisecond
)

// armDeadline (re)places the timer for vin so it fires at deadline.
func (s *Scheduler) armDeadline(vin string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.timers[vin]; ok {
		old.timer.Stop()
	}

	d := deadline.Sub(s.clock.Now())
	if d < minTimerDelay {
		d = minTimerDelay
	}

	s.seq++
	seq := s.seq
	s.timers[vin] = deadlineTimer{
		timer: s.clock.AfterFunc(d, func() { s.fireDeadline(vin, seq) }),
		seq:   seq,
	}
}

func (s *Scheduler) disarmDeadline(vin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[vin]; ok {
		t.timer.Stop()
		delete(s.timers, vin)
	}
}

// fireDeadline runs when a deadline timer expires: notify, optionally stop
// charging, then delete the task.
func (s *Scheduler) fireDeadline(vin string, seq uint64) {
	s.mu.Lock()
	t, ok := s.timers[vin]
	if s.closed || !ok || t.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, vin)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.ctx

	task, err := s.repo.GetTask(ctx, vin)
	if err != nil {
		if !errors.HasCode(err, store.ErrTaskNotFound) {
			s.log.ErrorWithCode(err).Str("vin", vin).Msg("Failed to load deadline task")
		}
		return
	}
	if task.Mode != store.ModeDeadline {
		return
	}

	s.log.Info().Str("vin", vin).Time("deadline", task.Deadline).Msg("Deadline reached")

	body := "Your scheduled time has been reached."
	if task.AutoStopCharging {
		body = "Your scheduled time has been reached. Charging will be stopped."
	}
	s.notify(ctx, notify.Notification{
		Address: task.NotificationAddress,
		Title:   "Deadline reached",
		Body:    body,
		Tag:     tagDeadline,
	}, vin)

	if task.AutoStopCharging {
		if err := s.upstream.IssueControlCommand(ctx, vin, task.Credential, telemetry.CommandStopCharging); err != nil {
			s.log.ErrorWithCode(err).Str("vin", vin).Msg("Failed to stop charging")
		}
	}

	// The task may have been cancelled and registered again while we were
	// notifying; only the task that fired is removed.
	existed, err := s.repo.DeleteTaskByID(ctx, vin, task.ID)
	if err != nil {
		s.log.ErrorWithCode(err).Str("vin", vin).Msg("Failed to delete deadline task")
		return
	}
	if existed {
		s.reportTasks(ctx)
	}
}

// notify sends n and waits for the result, logging failures.
func (s *Scheduler) notify(ctx context.Context, n notify.Notification, vin string) {
	if n.Address == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := s.upstream.SendNotification(ctx, n); err != nil {
		s.log.Warn().Err(err).Str("vin", vin).Str("tag", n.Tag).Msg("Failed to send goal notification")
	}
}
