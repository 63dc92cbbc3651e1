package tracker

import (
	"sync"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

const DefaultEscalationThreshold = 3

type escalationEntry struct {
	count    int
	level    model.Severity
	lastSeen time.Time
}

// EscalationTracker implements the "N strikes" policy per alert key.
// After threshold consecutive fires the severity steps up once, the counter
// resets, and the next round counts from the escalated level.
type EscalationTracker struct {
	mu        sync.Mutex
	entries   map[string]*escalationEntry
	threshold int
	window    time.Duration
	now       Clock
	escalated int64
}

// NewEscalationTracker builds a tracker. Keys idle longer than window start over;
// a zero window keeps keys for the process lifetime.
func NewEscalationTracker(threshold int, window time.Duration, now Clock) *EscalationTracker {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &EscalationTracker{
		entries:   make(map[string]*escalationEntry),
		threshold: threshold,
		window:    window,
		now:       now,
	}
}

// CheckAndMaybeEscalate counts a fire for key and returns the severity to report.
// threshold <= 0 uses the tracker default.
func (t *EscalationTracker) CheckAndMaybeEscalate(key string, current model.Severity, threshold int) (model.Severity, bool) {
	if threshold <= 0 {
		threshold = t.threshold
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[key]
	if !ok || (t.window > 0 && now.Sub(e.lastSeen) > t.window) {
		e = &escalationEntry{}
		t.entries[key] = e
	}
	e.lastSeen = now
	effective := model.MaxSeverity(current, e.level)
	e.count++
	if e.count < threshold {
		return effective, false
	}
	e.count = 0
	if effective == model.SeverityCritical {
		e.level = effective
		return effective, false
	}
	effective = effective.Next()
	e.level = effective
	t.escalated++
	return effective, true
}

// Count returns the current counter for key.
func (t *EscalationTracker) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.count
	}
	return 0
}

// EscalatedTotal returns how many escalations happened since start.
func (t *EscalationTracker) EscalatedTotal() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.escalated
}

// Reset forgets a key.
func (t *EscalationTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
