package ruleset

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

// snapshot is immutable once published. Rules inside it are never mutated;
// writers clone, modify and publish a new snapshot.
type snapshot struct {
	byID    map[string]*model.Rule
	ordered []*model.Rule
}

// Set is an in-memory, copy-on-write rule set. Readers take a snapshot without
// locking; writers serialize on mu and swap the snapshot pointer.
type Set struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

func NewSet(now func() time.Time) *Set {
	if now == nil {
		now = time.Now
	}
	s := &Set{now: now}
	s.snap.Store(&snapshot{byID: map[string]*model.Rule{}})
	return s
}

// Snapshot returns every rule ordered by priority desc, id asc. The returned
// rules are shared and must be treated as read-only.
func (s *Set) Snapshot() []*model.Rule {
	return s.snap.Load().ordered
}

// Get returns a copy of the rule.
func (s *Set) Get(id string) (*model.Rule, bool) {
	r, ok := s.snap.Load().byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all rules in evaluation order.
func (s *Set) List() []*model.Rule {
	cur := s.snap.Load().ordered
	out := make([]*model.Rule, len(cur))
	for i, r := range cur {
		out[i] = r.Clone()
	}
	return out
}

func (s *Set) Len() int { return len(s.snap.Load().byID) }

// Add validates and inserts a new rule.
func (s *Set) Add(r *model.Rule) (*model.Rule, error) {
	r = r.Clone()
	Normalize(r)
	if err := Validate(r); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if _, ok := cur.byID[r.ID]; ok {
		return nil, &model.DuplicateRuleError{RuleID: r.ID}
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	s.publishLocked(cur, r, "")
	return r.Clone(), nil
}

// Put inserts or replaces a rule, keeping CreatedAt of the replaced rule when the
// incoming one has none. Used by updates and imports.
func (s *Set) Put(r *model.Rule, touch bool) (*model.Rule, error) {
	r = r.Clone()
	Normalize(r)
	if err := Validate(r); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	now := s.now().UTC()
	if old, ok := cur.byID[r.ID]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = old.CreatedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if touch || r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	s.publishLocked(cur, r, "")
	return r.Clone(), nil
}

// Remove deletes a rule; false if it did not exist.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return false
	}
	s.publishLocked(cur, nil, id)
	return true
}

// SetEnabled toggles a rule and returns the updated copy.
func (s *Set) SetEnabled(id string, enabled bool) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return nil, model.ErrRuleNotFound
	}
	r := old.Clone()
	r.Enabled = enabled
	if err := Validate(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now().UTC()
	s.publishLocked(cur, r, "")
	return r.Clone(), nil
}

// publishLocked builds the next snapshot from cur with r upserted and/or removeID deleted.
func (s *Set) publishLocked(cur *snapshot, r *model.Rule, removeID string) {
	next := &snapshot{byID: make(map[string]*model.Rule, len(cur.byID)+1)}
	for id, rule := range cur.byID {
		if id == removeID {
			continue
		}
		next.byID[id] = rule
	}
	if r != nil {
		next.byID[r.ID] = r
	}
	next.ordered = make([]*model.Rule, 0, len(next.byID))
	for _, rule := range next.byID {
		next.ordered = append(next.ordered, rule)
	}
	SortRules(next.ordered)
	s.snap.Store(next)
}
