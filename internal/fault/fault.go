// Package fault rate-limits upstream failure reports and owns the one-shot
// temperature alarm.
package fault

import (
	"time"
)

type Category uint8

const (
	SensorOneFailed Category = iota
	SensorTwoFailed
	BothSensorsFailed
	LinkFailed
)

func (c Category) String() string {
	switch c {
	case SensorOneFailed:
		return "sensor1 failed"
	case SensorTwoFailed:
		return "sensor2 failed"
	case BothSensorsFailed:
		return "both sensors failed"
	case LinkFailed:
		return "cellular link failed"
	}
	return "unknown fault"
}

const DefaultReportCooldown = 5 * time.Minute

// Throttle reports each category upstream at most once per cooldown window.
// Entries are monotonically updated, never removed. Not safe for concurrent
// use: the agent cycle is the single caller.
type Throttle struct {
	cooldown time.Duration
	last     map[Category]time.Time
}

func NewThrottle(cooldown time.Duration) *Throttle {
	if cooldown == 0 {
		cooldown = DefaultReportCooldown
	}
	return &Throttle{
		cooldown: cooldown,
		last:     make(map[Category]time.Time),
	}
}

// ShouldReport records now as last-reported iff it returns true. The same now
// is used for the decision and the record so repeated calls within one cycle
// cannot drift.
func (t *Throttle) ShouldReport(c Category, now time.Time) bool {
	if last, ok := t.last[c]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.last[c] = now
	return true
}
