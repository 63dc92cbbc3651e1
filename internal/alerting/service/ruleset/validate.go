package ruleset

import (
	"fmt"
	"math"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

// Validate checks the rule invariants. It expects a normalized rule.
func Validate(r *model.Rule) error {
	if r == nil {
		return &model.ValidationError{Reason: "rule is nil"}
	}
	invalid := func(field, reason string) error {
		return &model.ValidationError{RuleID: r.ID, Field: field, Reason: reason}
	}
	if r.ID == "" {
		return invalid("id", "must not be empty")
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return invalid("priority", fmt.Sprintf("must be within [%d,%d], got %d", MinPriority, MaxPriority, r.Priority))
	}
	if r.Enabled && len(r.Conditions) == 0 {
		return invalid("conditions", "enabled rule needs at least one condition")
	}
	if r.ConditionLogic != model.LogicAnd && r.ConditionLogic != model.LogicOr {
		return invalid("conditionLogic", fmt.Sprintf("unsupported logic %q", r.ConditionLogic))
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return invalid(fmt.Sprintf("conditions[%d].field", i), "must not be empty")
		}
		if !c.Operator.Valid() {
			return invalid(fmt.Sprintf("conditions[%d].operator", i), fmt.Sprintf("unsupported operator %q", c.Operator))
		}
		if (c.Operator == model.OpIn || c.Operator == model.OpNotIn) && !isList(c.Value) {
			return invalid(fmt.Sprintf("conditions[%d].value", i), "membership operators need a list value")
		}
		if f, ok := c.Value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return invalid(fmt.Sprintf("conditions[%d].value", i), "must be finite")
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return invalid(fmt.Sprintf("actions[%d].type", i), fmt.Sprintf("unsupported action %q", a.Type))
		}
		if a.Severity != "" && !a.Severity.Valid() {
			return invalid(fmt.Sprintf("actions[%d].severity", i), fmt.Sprintf("unsupported severity %q", a.Severity))
		}
	}
	if r.MaxFrequency < 0 {
		return invalid("maxFrequency", "must not be negative")
	}
	if r.CooldownPeriod < 0 || r.SuppressionWindow < 0 || r.AggregationWindow < 0 {
		return invalid("window", "durations must not be negative")
	}
	if r.EscalationThreshold < 0 {
		return invalid("escalationThreshold", "must not be negative")
	}
	return nil
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []float64, []int, []int64, []bool:
		return true
	}
	return false
}
