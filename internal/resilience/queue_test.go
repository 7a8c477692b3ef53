package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	return cfg
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	deliver := func(context.Context, notify.Notification) error {
		if calls.Add(1) < 3 {
			return errServer
		}
		return nil
	}

	var statuses []string
	var mu sync.Mutex
	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(s string) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}, logger.Nop())
	defer q.Close()

	require.NoError(t, q.Submit(context.Background(), notify.Notification{Address: "a"}))
	assert.Equal(t, int32(3), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{statusDelivered}, statuses)
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	deliver := func(context.Context, notify.Notification) error {
		calls.Add(1)
		return errServer
	}

	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())
	defer q.Close()

	err := q.Submit(context.Background(), notify.Notification{Address: "a"})
	assert.True(t, errors.HasCode(err, ErrDeliveryFailed))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueueDoesNotRetryInvalidInput(t *testing.T) {
	var calls atomic.Int32
	deliver := func(context.Context, notify.Notification) error {
		calls.Add(1)
		return errors.New().New(notify.ErrInvalidInput)
	}

	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())
	defer q.Close()

	err := q.Submit(context.Background(), notify.Notification{})
	assert.True(t, errors.HasCode(err, notify.ErrInvalidInput))
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueSerializesInOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	deliver := func(_ context.Context, n notify.Notification) error {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)

		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, n.Tag)
		mu.Unlock()
		return nil
	}

	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())
	defer q.Close()

	// Submit sequentially from one goroutine to fix the order, without
	// waiting for each delivery.
	var wg sync.WaitGroup
	tags := []string{"a", "b", "c", "d", "e"}
	for _, tag := range tags {
		item := &queueItem{n: notify.Notification{Address: "x", Tag: tag}, result: make(chan error, 1)}
		q.items <- item
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, <-item.result)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "deliveries must not overlap")
	assert.Equal(t, tags, order)
}

func TestQueueCloseRejectsPending(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	deliver := func(context.Context, notify.Notification) error {
		started <- struct{}{}
		<-release
		return nil
	}

	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())

	first := make(chan error, 1)
	go func() { first <- q.Submit(context.Background(), notify.Notification{Address: "a"}) }()
	<-started

	pending := &queueItem{n: notify.Notification{Address: "b"}, result: make(chan error, 1)}
	q.items <- pending

	go q.Close()
	require.Eventually(t, func() bool {
		select {
		case <-q.stopChan:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	close(release)
	<-q.doneChan

	assert.NoError(t, <-first)
	assert.True(t, errors.HasCode(<-pending.result, ErrQueueClosed))

	err := q.Submit(context.Background(), notify.Notification{Address: "c"})
	assert.True(t, errors.HasCode(err, ErrQueueClosed))
}

func TestQueueCloseIdle(t *testing.T) {
	q := NewQueue(func(context.Context, notify.Notification) error { return nil },
		testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	// Closing twice is fine.
	q.Close()
}

func TestQueueCloseRejectsEverythingQueued(t *testing.T) {
	block := make(chan struct{})
	deliver := func(ctx context.Context, _ notify.Notification) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	}

	q := NewQueue(deliver, testQueueConfig(), clock.Real(), func(string) {}, logger.Nop())
	defer close(block)

	items := make([]*queueItem, 3)
	for i := range items {
		items[i] = &queueItem{n: notify.Notification{Address: "x"}, result: make(chan error, 1)}
		q.items <- items[i]
	}

	q.Close()

	for _, item := range items {
		assert.True(t, errors.HasCode(<-item.result, ErrQueueClosed))
	}
}

func TestQueueBackoffFollowsClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var calls atomic.Int32
	deliver := func(context.Context, notify.Notification) error {
		if calls.Add(1) < 3 {
			return errServer
		}
		return nil
	}

	cfg := DefaultConfig()
	cfg.Backoff = time.Second
	q := NewQueue(deliver, cfg, clk, func(string) {}, logger.Nop())
	defer q.Close()

	result := make(chan error, 1)
	go func() { result <- q.Submit(context.Background(), notify.Notification{Address: "a"}) }()

	// First retry waits 1s, the second 2s.
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 }, time.Second, time.Millisecond)
	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	clk.Advance(time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() == 2 && clk.PendingTimers() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)
	assert.Equal(t, int32(2), calls.Load())
	clk.Advance(time.Second)

	require.NoError(t, <-result)
	assert.Equal(t, int32(3), calls.Load())
}
