package engine

import (
	"context"
	"fmt"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/alerting/service/ruleset"
	"github.com/rs/zerolog/log"
)

// Statistics is a point-in-time view of the engine state.
type Statistics struct {
	TotalRules         int            `json:"totalRules"`
	EnabledRules       int            `json:"enabledRules"`
	ActiveSuppressions int            `json:"activeSuppressions"`
	TotalEscalations   int64          `json:"totalEscalations"`
	FiresLastHour      map[string]int `json:"executionCounts"`
}

// AddRule validates and registers a new rule.
func (e *Engine) AddRule(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	added, err := e.rules.Add(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("add rule: %w", err)
	}
	log.Info().Str("rule_id", added.ID).Int("priority", added.Priority).Msg("rule added")
	return added, nil
}

// UpdateRule replaces an existing rule; its fire history is kept.
func (e *Engine) UpdateRule(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	updated, err := e.rules.Update(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	log.Info().Str("rule_id", updated.ID).Msg("rule updated")
	return updated, nil
}

// RemoveRule reports whether the rule existed.
func (e *Engine) RemoveRule(ctx context.Context, id string) (bool, error) {
	ok, err := e.rules.Remove(ctx, id)
	if err != nil {
		return false, fmt.Errorf("remove rule %s: %w", id, err)
	}
	if ok {
		e.exec.Forget(id)
		log.Info().Str("rule_id", id).Msg("rule removed")
	}
	return ok, nil
}

func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	if _, err := e.rules.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	log.Info().Str("rule_id", id).Bool("enabled", enabled).Msg("rule toggled")
	return nil
}

func (e *Engine) GetRule(id string) (*model.Rule, bool) { return e.rules.Get(id) }

// Rules lists copies of every rule in evaluation order.
func (e *Engine) Rules() []*model.Rule { return e.rules.List() }

func (e *Engine) GetStatistics(ctx context.Context) Statistics {
	snap := e.rules.Snapshot()
	st := Statistics{
		TotalRules:         len(snap),
		ActiveSuppressions: e.suppressor.ActiveCount(ctx),
		TotalEscalations:   e.escalation.EscalatedTotal(),
		FiresLastHour:      make(map[string]int, len(snap)),
	}
	for _, r := range snap {
		if r.Enabled {
			st.EnabledRules++
		}
		st.FiresLastHour[r.ID] = e.exec.CountLastHour(r.ID)
	}
	return st
}

// ExportRules serializes the rule set as a versioned JSON document.
func (e *Engine) ExportRules() ([]byte, error) {
	return e.rules.ExportJSON()
}

// ImportRules loads a JSON or YAML rule document. Invalid rules are skipped and
// reported in the returned error; the count covers imported rules only.
func (e *Engine) ImportRules(ctx context.Context, data []byte) (int, error) {
	n, err := e.rules.ImportJSON(ctx, data)
	log.Info().Int("imported", n).Err(err).Msg("rules imported")
	return n, err
}

// LoadRules adds every rule held by the persistent store.
func (e *Engine) LoadRules(ctx context.Context) (int, error) {
	n, err := e.rules.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}
	log.Info().Int("loaded", n).Msg("rules loaded from store")
	return n, nil
}

// ImportRulesFile imports a YAML or JSON rule document from disk.
func (e *Engine) ImportRulesFile(ctx context.Context, path string) (int, error) {
	doc, err := ruleset.LoadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := e.rules.Import(ctx, doc)
	log.Info().Str("file", path).Int("imported", n).Err(err).Msg("rules file imported")
	return n, err
}
