// Package tracker holds the time-windowed state used by the rule engine:
// fire history, suppression windows, escalation counters and aggregation counts.
// Each table owns its own lock, held only for a single read-modify-write.
package tracker

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

const (
	frequencyWindow   = time.Hour
	maxHistoryPerRule = 100
)

// ExecutionTracker records rule fire timestamps and enforces hourly caps.
type ExecutionTracker struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     Clock
}

func NewExecutionTracker(now Clock) *ExecutionTracker {
	if now == nil {
		now = time.Now
	}
	return &ExecutionTracker{history: make(map[string][]time.Time), now: now}
}

// CanFire reports whether the rule fired fewer than maxFrequency times in the trailing hour.
func (t *ExecutionTracker) CanFire(ruleID string, maxFrequency int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(ruleID, t.now()) < maxFrequency
}

// RecordFire appends a fire for the rule, dropping the oldest entries beyond the cap.
func (t *ExecutionTracker) RecordFire(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(ruleID, t.now())
}

// TryRecordFire records a fire only if the rule is still under maxFrequency.
// The check and the append happen under one lock.
func (t *ExecutionTracker) TryRecordFire(ruleID string, maxFrequency int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.countLocked(ruleID, now) >= maxFrequency {
		return false
	}
	t.recordLocked(ruleID, now)
	return true
}

func (t *ExecutionTracker) recordLocked(ruleID string, now time.Time) {
	h := append(t.history[ruleID], now)
	if len(h) > maxHistoryPerRule {
		h = append([]time.Time(nil), h[len(h)-maxHistoryPerRule:]...)
	}
	t.history[ruleID] = h
}

// CountLastHour returns the number of fires in the trailing hour.
func (t *ExecutionTracker) CountLastHour(ruleID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(ruleID, t.now())
}

// Snapshot returns last-hour fire counts for every rule with history.
func (t *ExecutionTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make(map[string]int, len(t.history))
	for id := range t.history {
		out[id] = t.countLocked(id, now)
	}
	return out
}

// Forget drops a rule's history, used when the rule is removed.
func (t *ExecutionTracker) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, ruleID)
}

func (t *ExecutionTracker) countLocked(ruleID string, now time.Time) int {
	cutoff := now.Add(-frequencyWindow)
	n := 0
	for _, ts := range t.history[ruleID] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
