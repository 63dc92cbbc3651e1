package tracker

import (
	"sync"
	"time"
)

const (
	DefaultAggregationWindow = 5 * time.Minute
	maxAggregationHistory    = 1000
)

// AggregationManager counts recent alerts sharing a key. It only feeds message
// enrichment and never blocks delivery.
type AggregationManager struct {
	mu      sync.Mutex
	history map[string][]time.Time
	window  time.Duration
	now     Clock
}

func NewAggregationManager(window time.Duration, now Clock) *AggregationManager {
	if window <= 0 {
		window = DefaultAggregationWindow
	}
	if now == nil {
		now = time.Now
	}
	return &AggregationManager{history: make(map[string][]time.Time), window: window, now: now}
}

// CountRecent returns how many occurrences of key were recorded in the trailing
// window, then records the current one. window <= 0 uses the manager default.
func (a *AggregationManager) CountRecent(key string, window time.Duration) int {
	if window <= 0 {
		window = a.window
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-window)
	retain := now.Add(-max(window, a.window))
	kept := a.history[key][:0]
	count := 0
	for _, ts := range a.history[key] {
		if !ts.After(retain) {
			continue
		}
		kept = append(kept, ts)
		if ts.After(cutoff) {
			count++
		}
	}
	kept = append(kept, now)
	if len(kept) > maxAggregationHistory {
		kept = kept[len(kept)-maxAggregationHistory:]
	}
	a.history[key] = kept
	return count
}
