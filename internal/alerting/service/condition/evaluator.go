// Package condition evaluates rule conditions against an AlertContext.
// Everything here is pure: no locks, no I/O, no logging.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

// Evaluate applies one condition. A field missing from the context yields false for
// every operator. An error is returned only for conditions that can never be evaluated.
func Evaluate(c model.Condition, ac *model.AlertContext) (bool, error) {
	if !c.Operator.Valid() {
		return false, &model.ConditionEvaluationError{Field: c.Field, Operator: c.Operator, Reason: "unknown operator"}
	}
	if c.Operator == model.OpIn || c.Operator == model.OpNotIn {
		if _, ok := asList(c.Value); !ok {
			return false, &model.ConditionEvaluationError{Field: c.Field, Operator: c.Operator, Reason: "value must be a list"}
		}
	}
	actual, ok := ac.Lookup(c.Field)
	if !ok {
		return false, nil
	}
	return apply(c.Operator, actual, c.Value), nil
}

// EvaluateAll combines all conditions with logic. Unknown logic evaluates to false.
// Every condition is evaluated so the outcomes are complete for reporting.
func EvaluateAll(conds []model.Condition, logic model.Logic, ac *model.AlertContext) (bool, []model.ConditionOutcome, error) {
	outcomes := make([]model.ConditionOutcome, 0, len(conds))
	for _, c := range conds {
		res, err := Evaluate(c, ac)
		if err != nil {
			return false, outcomes, err
		}
		_, present := ac.Lookup(c.Field)
		outcomes = append(outcomes, model.ConditionOutcome{Field: c.Field, Operator: c.Operator, Result: res, Present: present})
	}
	if len(outcomes) == 0 {
		return false, outcomes, nil
	}
	switch logic {
	case model.LogicAnd:
		for _, o := range outcomes {
			if !o.Result {
				return false, outcomes, nil
			}
		}
		return true, outcomes, nil
	case model.LogicOr:
		for _, o := range outcomes {
			if o.Result {
				return true, outcomes, nil
			}
		}
		return false, outcomes, nil
	default:
		return false, outcomes, nil
	}
}

func apply(op model.Operator, actual, expected any) bool {
	switch op {
	case model.OpEqual:
		return equal(actual, expected)
	case model.OpNotEqual:
		return !equal(actual, expected)
	case model.OpIn, model.OpNotIn:
		list, _ := asList(expected)
		found := false
		for _, item := range list {
			if equal(actual, item) {
				found = true
				break
			}
		}
		if op == model.OpIn {
			return found
		}
		return !found
	}

	cmp, ok := compare(actual, expected)
	if !ok {
		return false
	}
	switch op {
	case model.OpGreater:
		return cmp > 0
	case model.OpLess:
		return cmp < 0
	case model.OpGreaterEqual:
		return cmp >= 0
	case model.OpLessEqual:
		return cmp <= 0
	}
	return false
}

// compare returns -1/0/1. ok is false when the operands have no common ordering.
func compare(a, b any) (int, bool) {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		return cmpFloat(af, bf), true
	case aNum:
		if bs, ok := b.(string); ok {
			if v, err := strconv.ParseFloat(bs, 64); err == nil {
				return cmpFloat(af, v), true
			}
		}
		return 0, false
	case bNum:
		if as, ok := a.(string); ok {
			if v, err := strconv.ParseFloat(as, 64); err == nil {
				return cmpFloat(v, bf), true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// asList accepts []any as produced by JSON/YAML decoding plus the common typed slices.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		return toAny(l), true
	case []float64:
		return toAny(l), true
	case []int:
		return toAny(l), true
	case []int64:
		return toAny(l), true
	case []bool:
		return toAny(l), true
	}
	return nil, false
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
