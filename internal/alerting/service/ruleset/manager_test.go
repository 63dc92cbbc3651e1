package ruleset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	rules   map[string]*model.Rule
	failErr error
	txCalls int
}

func newMemStore() *memStore {
	return &memStore{rules: map[string]*model.Rule{}}
}

func (m *memStore) SaveRule(ctx context.Context, r *model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *memStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) LoadRules(ctx context.Context) ([]*model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(Store) error) error {
	m.txCalls++
	return fn(m)
}

func fixedNow() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestManager_AddPersistsAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewManager(store, fixedNow())

	added, err := mgr.Add(ctx, sampleRule("r1", 5))
	require.NoError(t, err)
	assert.Equal(t, fixedNow()(), added.CreatedAt)
	assert.Contains(t, store.rules, "r1")

	_, err = mgr.Add(ctx, sampleRule("r1", 7))
	var dup *model.DuplicateRuleError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "r1", dup.RuleID)

	got, ok := mgr.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Priority, "duplicate add must not replace the rule")
}

func TestManager_AddValidationError(t *testing.T) {
	mgr := NewManager(newMemStore(), nil)
	_, err := mgr.Add(context.Background(), sampleRule("bad", 42))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, mgr.Len())
}

func TestManager_AddRollsBackOnStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failErr = errors.New("db down")
	mgr := NewManager(store, nil)

	_, err := mgr.Add(context.Background(), sampleRule("r1", 5))
	require.Error(t, err)
	_, ok := mgr.Get("r1")
	assert.False(t, ok)
}

func TestManager_RemoveAndSetEnabled(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewManager(store, nil)
	_, err := mgr.Add(ctx, sampleRule("r1", 5))
	require.NoError(t, err)

	r, err := mgr.SetEnabled(ctx, "r1", false)
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.False(t, store.rules["r1"].Enabled)

	_, err = mgr.SetEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, model.ErrRuleNotFound)

	ok, err := mgr.Remove(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, store.rules, "r1")

	ok, err = mgr.Remove(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_UpdateKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(newMemStore(), func() time.Time { return clock })
	_, err := mgr.Add(ctx, sampleRule("r1", 5))
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	next := sampleRule("r1", 9)
	updated, err := mgr.Update(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), updated.CreatedAt)
	assert.Equal(t, clock, updated.UpdatedAt)

	_, err = mgr.Update(ctx, sampleRule("missing", 5))
	assert.ErrorIs(t, err, model.ErrRuleNotFound)
}

func TestManager_SnapshotOrderAndIsolation(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	for _, r := range []*model.Rule{sampleRule("b", 5), sampleRule("a", 5), sampleRule("c", 8)} {
		_, err := mgr.Add(ctx, r)
		require.NoError(t, err)
	}
	snap := mgr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	// A snapshot taken before a write is unaffected by it.
	_, err := mgr.Remove(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Len(t, mgr.Snapshot(), 2)

	// Mutating a returned copy does not leak into the set.
	got, _ := mgr.Get("a")
	got.Conditions[0].Field = "mutated"
	again, _ := mgr.Get("a")
	assert.Equal(t, "price", again.Conditions[0].Field)
}

func TestManager_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewManager(nil, fixedNow())
	r := sampleRule("r1", 5)
	r.Conditions = append(r.Conditions, model.Condition{Field: "symbol", Operator: model.OpIn, Value: []any{"AAPL", "MSFT"}})
	r.EscalationThreshold = 2
	_, err := src.Add(ctx, r)
	require.NoError(t, err)
	_, err = src.Add(ctx, sampleRule("r2", 3))
	require.NoError(t, err)

	data, err := src.ExportJSON()
	require.NoError(t, err)

	store := newMemStore()
	dst := NewManager(store, nil)
	n, err := dst.ImportJSON(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.txCalls)
	assert.Len(t, store.rules, 2)

	got, ok := dst.Get("r1")
	require.True(t, ok)
	want, _ := src.Get("r1")
	assert.Equal(t, want.Priority, got.Priority)
	assert.Equal(t, want.CooldownPeriod, got.CooldownPeriod)
	assert.Equal(t, want.SuppressionWindow, got.SuppressionWindow)
	assert.Equal(t, 2, got.EscalationThreshold)
	assert.Equal(t, want.CreatedAt, got.CreatedAt)
	assert.Equal(t, []any{"AAPL", "MSFT"}, got.Conditions[1].Value)
	assert.Equal(t, want.Actions, got.Actions)
}

func TestManager_ImportSkipsInvalidAndReplaces(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Add(ctx, sampleRule("r1", 5))
	require.NoError(t, err)

	doc := BuildDocument([]*model.Rule{sampleRule("r1", 8), sampleRule("bad", 0)}, time.Now())
	n, err := mgr.Import(ctx, doc)
	assert.Equal(t, 1, n)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bad", ve.RuleID)

	assert.Equal(t, 1, mgr.Len(), "import replaces rather than duplicates")
	got, _ := mgr.Get("r1")
	assert.Equal(t, 8, got.Priority)
}

func TestManager_Load(t *testing.T) {
	store := newMemStore()
	valid := sampleRule("r1", 5)
	Normalize(valid)
	store.rules["r1"] = valid
	store.rules["broken"] = &model.Rule{ID: "broken", Priority: 99}

	mgr := NewManager(store, nil)
	n, err := mgr.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := mgr.Get("r1")
	assert.True(t, ok)
}

func TestManager_ConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, _ = mgr.Add(ctx, sampleRule(id, 1+i%10))
			_, _ = mgr.SetEnabled(ctx, id, false)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, r := range mgr.Snapshot() {
					_ = r.Priority
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, mgr.Len())
}
