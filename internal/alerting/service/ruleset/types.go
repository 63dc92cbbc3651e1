package ruleset

import (
	"context"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

const (
	// DocumentVersion is written into every exported rule document.
	DocumentVersion = 1

	DefaultMaxFrequency = 10
	MinPriority         = 1
	MaxPriority         = 10
)

// Document is the export/import form of a rule set, keyed by rule id.
type Document struct {
	Version    int                   `json:"version" yaml:"version"`
	ExportedAt string                `json:"exportedAt,omitempty" yaml:"exportedAt,omitempty"`
	Rules      map[string]RuleRecord `json:"rules" yaml:"rules"`
}

// RuleRecord carries every Rule field. Durations are whole seconds and
// timestamps are RFC 3339. Enabled is a pointer so hand-written files may omit it (defaults to true).
type RuleRecord struct {
	ID                  string            `json:"id" yaml:"id"`
	Name                string            `json:"name" yaml:"name"`
	Description         string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled             *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority            int               `json:"priority" yaml:"priority"`
	Conditions          []model.Condition `json:"conditions" yaml:"conditions"`
	ConditionLogic      model.Logic       `json:"conditionLogic" yaml:"conditionLogic"`
	Actions             []model.Action    `json:"actions" yaml:"actions"`
	CooldownPeriod      int64             `json:"cooldownPeriod" yaml:"cooldownPeriod"`
	MaxFrequency        int               `json:"maxFrequency" yaml:"maxFrequency"`
	SuppressionWindow   int64             `json:"suppressionWindow" yaml:"suppressionWindow"`
	EscalationThreshold int               `json:"escalationThreshold,omitempty" yaml:"escalationThreshold,omitempty"`
	AggregationWindow   int64             `json:"aggregationWindow,omitempty" yaml:"aggregationWindow,omitempty"`
	Tags                []string          `json:"tags" yaml:"tags"`
	CreatedAt           string            `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt           string            `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// Store persists rule definitions. Execution, suppression and escalation state
// is never persisted.
type Store interface {
	SaveRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	LoadRules(ctx context.Context) ([]*model.Rule, error)

	// WithTx calls fn with a Store whose writes commit or roll back together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// NoopStore keeps nothing; used when no database is configured.
type NoopStore struct{}

func (NoopStore) SaveRule(context.Context, *model.Rule) error { return nil }
func (NoopStore) DeleteRule(context.Context, string) error { return nil }
func (NoopStore) LoadRules(context.Context) ([]*model.Rule, error) { return nil, nil }
func (s NoopStore) WithTx(_ context.Context, fn func(Store) error) error { return fn(s) }

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func fromSeconds(s int64) time.Duration { return time.Duration(s) * time.Second }
