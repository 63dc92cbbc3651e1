package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"gopkg.in/yaml.v3"
)

// ToRecord converts a rule into its document form.
func ToRecord(r *model.Rule) RuleRecord {
	enabled := r.Enabled
	rec := RuleRecord{
		ID:                  r.ID,
		Name:                r.Name,
		Description:         r.Description,
		Enabled:             &enabled,
		Priority:            r.Priority,
		Conditions:          append([]model.Condition{}, r.Conditions...),
		ConditionLogic:      r.ConditionLogic,
		Actions:             model.CloneActions(r.Actions),
		CooldownPeriod:      seconds(r.CooldownPeriod),
		MaxFrequency:        r.MaxFrequency,
		SuppressionWindow:   seconds(r.SuppressionWindow),
		EscalationThreshold: r.EscalationThreshold,
		AggregationWindow:   seconds(r.AggregationWindow),
		Tags:                append([]string{}, r.Tags...),
	}
	if !r.CreatedAt.IsZero() {
		rec.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

// FromRecord converts a document record into a rule. key is the document map key;
// it fills a missing id and must match a present one.
func FromRecord(key string, rec RuleRecord) (*model.Rule, error) {
	id := rec.ID
	if id == "" {
		id = key
	}
	if key != "" && id != key {
		return nil, &model.ValidationError{RuleID: id, Field: "id", Reason: fmt.Sprintf("does not match document key %q", key)}
	}
	r := &model.Rule{
		ID:                  id,
		Name:                rec.Name,
		Description:         rec.Description,
		Enabled:             rec.Enabled == nil || *rec.Enabled,
		Priority:            rec.Priority,
		Conditions:          append([]model.Condition{}, rec.Conditions...),
		ConditionLogic:      rec.ConditionLogic,
		Actions:             model.CloneActions(rec.Actions),
		CooldownPeriod:      fromSeconds(rec.CooldownPeriod),
		MaxFrequency:        rec.MaxFrequency,
		SuppressionWindow:   fromSeconds(rec.SuppressionWindow),
		EscalationThreshold: rec.EscalationThreshold,
		AggregationWindow:   fromSeconds(rec.AggregationWindow),
		Tags:                append([]string{}, rec.Tags...),
	}
	var err error
	if r.CreatedAt, err = parseTime(rec.CreatedAt); err != nil {
		return nil, &model.ValidationError{RuleID: id, Field: "createdAt", Reason: err.Error()}
	}
	if r.UpdatedAt, err = parseTime(rec.UpdatedAt); err != nil {
		return nil, &model.ValidationError{RuleID: id, Field: "updatedAt", Reason: err.Error()}
	}
	return r, nil
}

// BuildDocument renders rules into a Document.
func BuildDocument(rules []*model.Rule, now time.Time) *Document {
	doc := &Document{
		Version:    DocumentVersion,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Rules:      make(map[string]RuleRecord, len(rules)),
	}
	for _, r := range rules {
		doc.Rules[r.ID] = ToRecord(r)
	}
	return doc
}

// ParseDocument decodes a JSON or YAML rule document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
			return nil, fmt.Errorf("parse rule document: %w", err)
		}
	}
	if doc.Version > DocumentVersion {
		return nil, fmt.Errorf("unsupported rule document version %d", doc.Version)
	}
	return &doc, nil
}

// LoadFile reads a rule document from disk. YAML and JSON are both accepted.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return doc, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
