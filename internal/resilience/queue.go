package resilience

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/notify"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Notification delivery statuses reported to metrics.
const (
	statusDelivered = "delivered"
	statusFailed    = "failed"
	statusRejected  = "rejected"
)

type deliverFunc func(ctx context.Context, n notify.Notification) error

type queueItem struct {
	id     uuid.UUID
	n      notify.Notification
	result chan error
}

// Queue delivers notifications one at a time in submission order. Each
// item is retried up to maxAttempts times with exponential backoff.
type Queue struct {
	deliver     deliverFunc
	maxAttempts int
	backoff     time.Duration
	clock       clock.Clock
	log         logger.Logger
	onResult    func(status string)

	items     chan *queueItem
	stopChan  chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func NewQueue(deliver deliverFunc, cfg Config, clk clock.Clock, onResult func(status string), log logger.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		deliver:     deliver,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		clock:       clk,
		log:         log,
		onResult:    onResult,
		items:       make(chan *queueItem, cfg.QueueSize),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		runCtx:      ctx,
		cancelRun:   cancel,
	}

	go q.worker()

	return q
}

// Submit enqueues n and blocks until it is delivered, finally fails, or ctx
// ends. A caller that gives up does not remove the item from the queue.
func (q *Queue) Submit(ctx context.Context, n notify.Notification) error {
	errFactory := errors.New()

	item := &queueItem{id: uuid.New(), n: n, result: make(chan error, 1)}

	select {
	case <-q.stopChan:
		return errFactory.New(ErrQueueClosed)
	default:
	}

	select {
	case q.items <- item:
	case <-q.stopChan:
		return errFactory.New(ErrQueueClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.result:
		return err
	case <-q.doneChan:
		// The worker exited; the item may have been resolved just before.
		select {
		case err := <-item.result:
			return err
		default:
			return errFactory.New(ErrQueueClosed)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after the item in flight and rejects everything
// still queued with ErrQueueClosed.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
		q.cancelRun()
	})
	<-q.doneChan
}

func (q *Queue) worker() {
	defer close(q.doneChan)

	for {
		// Stop takes priority over queued items.
		select {
		case <-q.stopChan:
			q.drain()
			return
		default:
		}

		select {
		case item := <-q.items:
			item.result <- q.process(item)
		case <-q.stopChan:
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	errFactory := errors.New()

	for {
		select {
		case item := <-q.items:
			item.result <- errFactory.New(ErrQueueClosed)
		default:
			return
		}
	}
}

// retryPolicy is a plain doubling backoff capped at maxAttempts tries,
// abandoned as soon as the queue stops.
func (q *Queue) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = q.backoff << q.maxAttempts
	b.MaxElapsedTime = 0
	b.Clock = q.clock
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.maxAttempts-1)), q.runCtx)
}

func (q *Queue) process(item *queueItem) error {
	errFactory := errors.New()

	attempt := 0
	operation := func() error {
		attempt++
		err := q.deliver(q.runCtx, item.n)
		if errors.HasCode(err, notify.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, next time.Duration) {
		q.log.Debug().
			Err(err).
			Str("id", item.id.String()).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Notification attempt failed")
	}

	err := backoff.RetryNotifyWithTimer(operation, q.retryPolicy(), onRetry, &clockTimer{clock: q.clock, ch: make(chan time.Time, 1)})
	switch {
	case err == nil:
		q.log.Debug().
			Str("id", item.id.String()).
			Str("tag", item.n.Tag).
			Int("attempt", attempt).
			Msg("Notification delivered")
		q.onResult(statusDelivered)
		return nil
	case errors.HasCode(err, notify.ErrInvalidInput):
		q.onResult(statusRejected)
		return err
	case q.runCtx.Err() != nil:
		q.onResult(statusFailed)
		return errFactory.Wrap(ErrQueueClosed, err)
	}

	q.log.Warn().
		Err(err).
		Str("id", item.id.String()).
		Str("tag", item.n.Tag).
		Int("attempts", attempt).
		Msg("Notification delivery failed")
	q.onResult(statusFailed)

	return errFactory.Wrap(ErrDeliveryFailed, err)
}

// clockTimer drives backoff waits from the queue clock.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
	ch    chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	ch, clk := t.ch, t.clock
	t.timer = clk.AfterFunc(d, func() {
		select {
		case ch <- clk.Now():
		default:
		}
	})
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.ch
}
