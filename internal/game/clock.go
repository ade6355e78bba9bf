package game

import (
	"math"
	"time"

	"crashengine/internal/fair"
)

// Clock derives the live multiplier purely from elapsed wall-clock time
// since round start: m(t) = e^(k*t). Because it reads the persisted
// started_at rather than an in-memory timer, it survives restarts, and
// the value used to validate a cash-out is the same one broadcast for
// display.
type Clock struct {
	// GrowthRate is k in m(t) = e^(k*t), per second.
	GrowthRate float64
}

// MultiplierAt returns the multiplier at the given instant, truncated to
// two decimals. Before startedAt it is pinned to 1.00.
func (c Clock) MultiplierAt(startedAt, now time.Time) float64 {
	elapsed := now.Sub(startedAt).Seconds()
	if elapsed <= 0 {
		return fair.MinMultiplier
	}
	return fair.Truncate2(math.Exp(c.GrowthRate * elapsed))
}

// TimeToReach returns how long after round start the curve reaches the
// given multiplier. Used for the crash deadline and for recovery after a
// restart.
func (c Clock) TimeToReach(multiplier float64) time.Duration {
	if multiplier <= fair.MinMultiplier {
		return 0
	}
	secs := math.Log(multiplier) / c.GrowthRate
	return time.Duration(secs * float64(time.Second))
}

// CrashedBy reports whether a round started at startedAt with the given
// crash point has already crashed by now.
func (c Clock) CrashedBy(startedAt, now time.Time, crashPoint float64) bool {
	return c.MultiplierAt(startedAt, now) >= crashPoint
}
