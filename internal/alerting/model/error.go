package model

import (
	"errors"
	"fmt"
)

// ErrRuleNotFound is returned by rule management calls for unknown ids.
var ErrRuleNotFound = errors.New("alert rule not found")

// ValidationError rejects a malformed rule on add or import.
type ValidationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid rule %q: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("invalid rule %q: %s: %s", e.RuleID, e.Field, e.Reason)
}

// DuplicateRuleError is returned when adding a rule whose id already exists.
type DuplicateRuleError struct {
	RuleID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule %q already exists", e.RuleID)
}

// ChannelDeliveryError wraps a failed send on a single channel.
type ChannelDeliveryError struct {
	Channel string
	Err     error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("channel %s delivery failed: %v", e.Channel, e.Err)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// ConditionEvaluationError reports a condition that cannot be evaluated at all,
// e.g. an unknown operator or a membership test without a list.
type ConditionEvaluationError struct {
	Field    string
	Operator Operator
	Reason   string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %s %s: %s", e.Field, e.Operator, e.Reason)
}
