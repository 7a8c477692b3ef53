// Package clock abstracts time so schedulers can be driven
// deterministically in tests.
package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject NewFake() and move time with Advance.
type Clock interface {
	Now() time.Time

	// AfterFunc waits for duration d, then calls f in its own goroutine
	// (real) or synchronously from Advance (fake).
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops
	// the timer, false if it already fired or was stopped.
	Stop() bool
}

// Ticker delivers periodic ticks. Like time.Ticker, C has capacity 1 and
// ticks are dropped if the consumer falls behind.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}
