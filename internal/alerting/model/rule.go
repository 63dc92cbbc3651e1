package model

import "time"

// Operator is a comparison applied by a Condition.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual, OpIn, OpNotIn:
		return true
	}
	return false
}

// Logic combines per-condition outcomes.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ActionType tells the engine and the alert service what to do once a rule fires.
type ActionType string

const (
	ActionNotify    ActionType = "notify"
	ActionEscalate  ActionType = "escalate"
	ActionSuppress  ActionType = "suppress"
	ActionAggregate ActionType = "aggregate"
	ActionIgnore    ActionType = "ignore"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionNotify, ActionEscalate, ActionSuppress, ActionAggregate, ActionIgnore:
		return true
	}
	return false
}

// Condition compares one context field against Value.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Action is executed, in order, when a rule triggers.
type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Severity Severity   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message  string     `json:"message,omitempty" yaml:"message,omitempty"`
	Channels []string   `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Rule is a named decision unit. ID is immutable once the rule is registered.
type Rule struct {
	ID             string
	Name           string
	Description    string
	Enabled        bool
	Priority       int // 1..10, higher first
	Conditions     []Condition
	ConditionLogic Logic
	Actions        []Action

	CooldownPeriod    time.Duration
	MaxFrequency      int // fires per rolling hour
	SuppressionWindow time.Duration

	// Optional overrides of the process-wide defaults; zero means "use default".
	EscalationThreshold int
	AggregationWindow   time.Duration

	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BaseSeverity is the highest severity declared by the rule's actions, info if none.
func (r *Rule) BaseSeverity() Severity {
	sev := SeverityInfo
	for _, a := range r.Actions {
		sev = MaxSeverity(sev, a.Severity)
	}
	return sev
}

// HasAction reports whether any action has the given type.
func (r *Rule) HasAction(t ActionType) bool {
	for _, a := range r.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can never mutate a registered rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Conditions = make([]Condition, len(r.Conditions))
	copy(out.Conditions, r.Conditions)
	out.Actions = CloneActions(r.Actions)
	out.Tags = append([]string(nil), r.Tags...)
	return &out
}

// CloneActions deep-copies an action list.
func CloneActions(in []Action) []Action {
	out := make([]Action, len(in))
	for i, a := range in {
		a.Channels = append([]string(nil), a.Channels...)
		out[i] = a
	}
	return out
}
