package poller

import (
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

// Outcome is the classified result of one poll.
type Outcome string

const (
	OutcomeSuccess      Outcome = metrics.OutcomeSuccess
	OutcomeServerError  Outcome = metrics.OutcomeServerError
	OutcomeAuthRejected Outcome = metrics.OutcomeAuthRejected
	OutcomeCircuitOpen  Outcome = metrics.OutcomeCircuitOpen
	OutcomeOther        Outcome = metrics.OutcomeOther
)

const (
	errorRetry        = 5 * time.Minute
	tokenInvalidRetry = 30 * 24 * time.Hour
)

// Window is the jitter range for the next poll.
type Window struct {
	Min time.Duration
	Max time.Duration
}

var (
	activeWindow      = Window{5 * time.Second, 10 * time.Second}
	idleWindow        = Window{55 * time.Second, 65 * time.Second}
	activeErrorWindow = Window{60 * time.Second, 120 * time.Second}
)

// Classify maps a fetch error to a poll outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	switch {
	case errors.HasCode(err, errors.ErrCircuitOpen):
		return OutcomeCircuitOpen
	case errors.HasCode(err, telemetry.ErrAuthRejected):
		return OutcomeAuthRejected
	case errors.HasCode(err, telemetry.ErrServerError):
		return OutcomeServerError
	default:
		return OutcomeOther
	}
}

// NextPoll returns the jitter window and the resulting state for a vehicle
// in state after a poll with outcome. For OutcomeSuccess, state must already
// be the state derived from the new sample.
func NextPoll(state store.VehicleState, outcome Outcome) (Window, store.VehicleState) {
	switch outcome {
	case OutcomeSuccess:
		if state == store.StateActive {
			return activeWindow, state
		}
		return idleWindow, state

	case OutcomeServerError:
		if state == store.StateActive {
			return activeErrorWindow, state
		}
		return fixed(errorRetry), store.StateError5xx

	case OutcomeCircuitOpen:
		// No upstream answer was seen, so the state is left alone.
		if state == store.StateActive {
			return activeErrorWindow, state
		}
		return fixed(errorRetry), state

	case OutcomeAuthRejected:
		return fixed(tokenInvalidRetry), store.StateTokenInvalid

	default:
		return fixed(errorRetry), state
	}
}

func fixed(d time.Duration) Window {
	return Window{d, d}
}

// jitter picks a duration uniformly in w using r in [0, 1).
func jitter(w Window, r float64) time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + time.Duration(r*float64(w.Max-w.Min))
}
