package processor

import (
	"time"
)

// dedupMap suppresses repeated token updates for the same mint inside a
// wall-clock window. Arrival order only: late duplicates are dropped
// regardless of their event timestamp. Owned by the consumer goroutine,
// no locking needed.
type dedupMap struct {
	window   time.Duration
	accepted map[string]time.Time
}

func newDedupMap(window time.Duration) *dedupMap {
	return &dedupMap{
		window:   window,
		accepted: make(map[string]time.Time),
	}
}

// shouldProcess records mint as accepted at now unless an acceptance
// inside the window already exists.
func (d *dedupMap) shouldProcess(mint string, now time.Time) bool {
	if last, ok := d.accepted[mint]; ok && now.Sub(last) < d.window {
		return false
	}
	d.accepted[mint] = now
	return true
}

// sweep removes entries older than twice the window. Called on the flush
// timer.
func (d *dedupMap) sweep(now time.Time) {
	cutoff := now.Add(-2 * d.window)
	for mint, ts := range d.accepted {
		if ts.Before(cutoff) {
			delete(d.accepted, mint)
		}
	}
}

func (d *dedupMap) size() int {
	return len(d.accepted)
}
