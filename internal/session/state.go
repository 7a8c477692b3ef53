// Package session turns consecutive telemetry samples into vehicle state,
// drive and charge sessions, and data points.
package session

import (
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

// ShouldBeActive reports whether the status shows the vehicle in use.
func ShouldBeActive(s telemetry.Status) bool {
	return s.Key == telemetry.KeyRunning || s.Lock == telemetry.Unlocked || s.Charge == telemetry.Charging
}

// ShouldBeIdle reports whether the vehicle is parked: locked, off and not charging.
func ShouldBeIdle(s telemetry.Status) bool {
	return s.Lock == telemetry.Locked && s.Key == telemetry.KeyOff && s.Charge != telemetry.Charging
}

// Derive returns the scheduling state after a successful poll with status s.
// A transitional status leaves prev unchanged, error states included; those
// are polled on the idle window until a status settles.
func Derive(prev store.VehicleState, s telemetry.Status) store.VehicleState {
	switch {
	case ShouldBeActive(s):
		return store.StateActive
	case ShouldBeIdle(s):
		return store.StateIdle
	default:
		return prev
	}
}

func isDriving(s telemetry.Status) bool {
	return s.Key == telemetry.KeyRunning && s.Lock == telemetry.Unlocked
}

func isParked(s telemetry.Status) bool {
	return s.Key == telemetry.KeyOff && s.Lock == telemetry.Locked
}
