package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Manager owns the live rule set and writes every change through to the Store.
type Manager struct {
	set   *Set
	store Store
	now   func() time.Time
}

func NewManager(store Store, now func() time.Time) *Manager {
	if store == nil {
		store = NoopStore{}
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{set: NewSet(now), store: store, now: now}
}

// Load replaces nothing; it adds every stored rule to the live set. Invalid
// stored rules are logged and skipped.
func (m *Manager) Load(ctx context.Context) (int, error) {
	rules, err := m.store.LoadRules(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rules {
		if _, err := m.set.Put(r, false); err != nil {
			log.Warn().Err(err).Str("rule_id", r.ID).Msg("skip invalid stored rule")
			continue
		}
		n++
	}
	return n, nil
}

func (m *Manager) Add(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	added, err := m.set.Add(r)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveRule(ctx, added); err != nil {
		m.set.Remove(added.ID)
		return nil, err
	}
	return added, nil
}

// Update replaces an existing rule.
func (m *Manager) Update(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	if r == nil {
		return nil, &model.ValidationError{Reason: "rule is nil"}
	}
	old, ok := m.set.Get(r.ID)
	if !ok {
		return nil, fmt.Errorf("update %s: %w", r.ID, model.ErrRuleNotFound)
	}
	next := r.Clone()
	next.CreatedAt = old.CreatedAt
	updated, err := m.set.Put(next, true)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveRule(ctx, updated); err != nil {
		_, _ = m.set.Put(old, false)
		return nil, err
	}
	return updated, nil
}

// Remove reports whether the rule existed.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	old, ok := m.set.Get(id)
	if !ok {
		return false, nil
	}
	if err := m.store.DeleteRule(ctx, id); err != nil {
		return false, err
	}
	m.set.Remove(id)
	log.Debug().Str("rule_id", old.ID).Msg("rule removed")
	return true, nil
}

func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Rule, error) {
	old, ok := m.set.Get(id)
	if !ok {
		return nil, fmt.Errorf("set enabled %s: %w", id, model.ErrRuleNotFound)
	}
	updated, err := m.set.SetEnabled(id, enabled)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveRule(ctx, updated); err != nil {
		_, _ = m.set.Put(old, false)
		return nil, err
	}
	return updated, nil
}

func (m *Manager) Get(id string) (*model.Rule, bool) { return m.set.Get(id) }
func (m *Manager) List() []*model.Rule { return m.set.List() }
func (m *Manager) Snapshot() []*model.Rule { return m.set.Snapshot() }
func (m *Manager) Len() int { return m.set.Len() }

// Export renders the current rule set as a Document.
func (m *Manager) Export() *Document {
	return BuildDocument(m.set.Snapshot(), m.now())
}

// ExportJSON renders the current rule set as indented JSON.
func (m *Manager) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(m.Export(), "", "  ")
}

// Import adds or replaces every valid rule of doc. Invalid records are skipped and
// reported in the joined error; the count is the number of rules imported. Valid
// records are persisted in a single transaction.
func (m *Manager) Import(ctx context.Context, doc *Document) (int, error) {
	if doc == nil {
		return 0, errors.New("import: nil document")
	}
	keys := make([]string, 0, len(doc.Rules))
	for k := range doc.Rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		valid []*model.Rule
		errs  []error
	)
	for _, k := range keys {
		r, err := FromRecord(k, doc.Rules[k])
		if err == nil {
			Normalize(r)
			err = Validate(r)
		}
		if err != nil {
			log.Warn().Err(err).Str("rule_id", k).Msg("skip invalid imported rule")
			errs = append(errs, err)
			continue
		}
		valid = append(valid, r)
	}

	err := m.store.WithTx(ctx, func(tx Store) error {
		for _, r := range valid {
			if err := tx.SaveRule(ctx, m.stamp(r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Join(append(errs, fmt.Errorf("persist imported rules: %w", err))...)
	}
	for _, r := range valid {
		if _, err := m.set.Put(r, false); err != nil {
			errs = append(errs, err)
		}
	}
	return len(valid), errors.Join(errs...)
}

// ImportJSON parses and imports a JSON or YAML rule document.
func (m *Manager) ImportJSON(ctx context.Context, data []byte) (int, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return 0, err
	}
	return m.Import(ctx, doc)
}

// stamp fills timestamps so the stored row and the live rule agree.
func (m *Manager) stamp(r *model.Rule) *model.Rule {
	now := m.now().UTC()
	if old, ok := m.set.Get(r.ID); ok && r.CreatedAt.IsZero() {
		r.CreatedAt = old.CreatedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return r
}
