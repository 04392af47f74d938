// Package traffic keeps a sliding window of forecast request outcomes. Health
// checks read it to decide whether the service is degraded.
package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained; windows longer than this see only maxAge.
const maxAge = 15 * time.Minute

var defaultTracker Tracker

// RecordSuccess records a successfully served forecast.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a failed forecast (upstream error, decode error, timeout).
func RecordError() {
	defaultTracker.RecordError()
}

// Snapshot returns request statistics within the window.
func Snapshot(window time.Duration) Stats {
	return defaultTracker.Snapshot(window)
}

// Degraded reports whether the error rate within window is at least thresholdPct.
func Degraded(window time.Duration, thresholdPct int) bool {
	return defaultTracker.Snapshot(window).Degraded(thresholdPct)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Stats summarizes outcomes within a window.
type Stats struct {
	Requests int
	Errors   int
}

// ErrorPct returns the error share in percent, 0 with no traffic.
func (s Stats) ErrorPct() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) * 100 / float64(s.Requests)
}

// Degraded reports whether the error share is at least thresholdPct. No traffic is never degraded.
func (s Stats) Degraded(thresholdPct int) bool {
	return s.Requests > 0 && thresholdPct > 0 && s.ErrorPct() >= float64(thresholdPct)
}

type outcome struct {
	at  time.Time
	err bool
}

// Tracker maintains a time-ordered window of outcomes.
type Tracker struct {
	mu       sync.Mutex
	outcomes []outcome
	now      func() time.Time
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// RecordSuccess records a successful outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.record(false)
}

// RecordError records a failed outcome in the tracker.
func (t *Tracker) RecordError() {
	t.record(true)
}

func (t *Tracker) record(isErr bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.outcomes = append(t.outcomes, outcome{at: now, err: isErr})
	t.pruneLocked(now)
}

// Snapshot counts outcomes not older than window.
func (t *Tracker) Snapshot(window time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	var s Stats
	for _, o := range t.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		s.Requests++
		if o.err {
			s.Errors++
		}
	}
	return s
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = nil
}

// pruneLocked drops outcomes older than maxAge. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	i := 0
	for ; i < len(t.outcomes) && t.outcomes[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.outcomes = append(t.outcomes[:0], t.outcomes[i:]...)
	}
}
