package poller

import (
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"github.com/stretchr/testify/assert"
)

func TestNextPoll(t *testing.T) {
	tests := []struct {
		name      string
		state     store.VehicleState
		outcome   Outcome
		want      Window
		wantState store.VehicleState
	}{
		{"active success", store.StateActive, OutcomeSuccess, Window{5 * time.Second, 10 * time.Second}, store.StateActive},
		{"idle success", store.StateIdle, OutcomeSuccess, Window{55 * time.Second, 65 * time.Second}, store.StateIdle},
		{"active server error", store.StateActive, OutcomeServerError, Window{time.Minute, 2 * time.Minute}, store.StateActive},
		{"idle server error", store.StateIdle, OutcomeServerError, Window{5 * time.Minute, 5 * time.Minute}, store.StateError5xx},
		{"auth rejected", store.StateActive, OutcomeAuthRejected, Window{30 * 24 * time.Hour, 30 * 24 * time.Hour}, store.StateTokenInvalid},
		{"active circuit open", store.StateActive, OutcomeCircuitOpen, Window{time.Minute, 2 * time.Minute}, store.StateActive},
		{"idle circuit open", store.StateIdle, OutcomeCircuitOpen, Window{5 * time.Minute, 5 * time.Minute}, store.StateIdle},
		{"other keeps state", store.StateActive, OutcomeOther, Window{5 * time.Minute, 5 * time.Minute}, store.StateActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, state := NextPoll(tt.state, tt.outcome)
			assert.Equal(t, tt.want, w)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestJitter(t *testing.T) {
	w := Window{5 * time.Second, 10 * time.Second}

	assert.Equal(t, 5*time.Second, jitter(w, 0))
	assert.Equal(t, 7500*time.Millisecond, jitter(w, 0.5))
	assert.Less(t, jitter(w, 0.999999), 10*time.Second)
	assert.Equal(t, time.Minute, jitter(fixed(time.Minute), 0.7))
}

func TestClassify(t *testing.T) {
	f := errors.New()

	assert.Equal(t, OutcomeSuccess, Classify(nil))
	assert.Equal(t, OutcomeServerError, Classify(f.New(telemetry.ErrServerError)))
	assert.Equal(t, OutcomeAuthRejected, Classify(f.New(telemetry.ErrAuthRejected)))
	assert.Equal(t, OutcomeCircuitOpen, Classify(f.WithData(errors.ErrCircuitOpen, "provider")))
	assert.Equal(t, OutcomeOther, Classify(f.New(telemetry.ErrNetwork)))
	assert.Equal(t, OutcomeOther, Classify(f.New(telemetry.ErrMalformed)))
}
