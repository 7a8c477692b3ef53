package session

import (
	"math"
	"time"
)

const (
	// MaxIntervalDistanceKm rejects odometer jumps larger than this per sample.
	MaxIntervalDistanceKm = 100.0
	// MaxSpeedKmh rejects raw speeds above this.
	MaxSpeedKmh = 200.0
	// MaxAccelKmhPerSecond bounds the change from the previous speed.
	MaxAccelKmhPerSecond = 10.0
)

// EstimateSpeed derives km/h from two odometer readings elapsed apart.
// Implausible readings count as a raw speed of 0; the result never moves
// further from prevSpeed than the acceleration ceiling allows.
func EstimateSpeed(prevOdometerKm, odometerKm float64, elapsed time.Duration, prevSpeedKmh float64) float64 {
	if elapsed <= 0 {
		return 0
	}

	delta := odometerKm - prevOdometerKm
	raw := delta / elapsed.Hours()
	if delta < 0 || delta > MaxIntervalDistanceKm || raw > MaxSpeedKmh {
		raw = 0
	}

	maxChange := MaxAccelKmhPerSecond * elapsed.Seconds()
	speed := math.Min(math.Max(raw, prevSpeedKmh-maxChange), prevSpeedKmh+maxChange)

	return math.Max(speed, 0)
}
