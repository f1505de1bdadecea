package risk

import (
	"slices"
	"time"
)

// inWindow reports whether a pull at p still counts at time at.
func inWindow(p, at time.Time, window time.Duration) bool {
	return p.After(at.Add(-window)) && !p.After(at)
}

// PullsInWindow counts hard pulls that are inside the rolling window ending at at.
func PullsInWindow(pulls []time.Time, at time.Time, window time.Duration) int {
	n := 0
	for _, p := range pulls {
		if inWindow(p, at, window) {
			n++
		}
	}
	return n
}

// CapReached reports whether one more hard pull at time at would exceed max.
func CapReached(pulls []time.Time, at time.Time, window time.Duration, max int) bool {
	return PullsInWindow(pulls, at, window) >= max
}

// AdmissibleAt returns the earliest instant at which one more hard pull fits
// under max, given the pulls already on record. It returns at itself when
// the cap is not reached.
func AdmissibleAt(pulls []time.Time, at time.Time, window time.Duration, max int) time.Time {
	active := make([]time.Time, 0, len(pulls))
	for _, p := range pulls {
		if inWindow(p, at, window) {
			active = append(active, p)
		}
	}
	if len(active) < max {
		return at
	}
	slices.SortFunc(active, func(a, b time.Time) int { return a.Compare(b) })
	// The count has to drop to max-1, so the (len-max+1)-th oldest pull
	// must leave the window.
	blocking := active[len(active)-max]
	return blocking.Add(window)
}
