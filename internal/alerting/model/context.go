package model

import "time"

// AlertContext is the read-only metrics snapshot handed to Evaluate.
type AlertContext struct {
	Symbol      string         `json:"symbol,omitempty"`
	PortfolioID string         `json:"portfolioId,omitempty"`
	Metrics     map[string]any `json:"metrics"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Lookup resolves a field: metrics first, then metadata, then the first-class
// attributes symbol, portfolioId and timestamp. ok is false when the field is absent.
func (c *AlertContext) Lookup(field string) (any, bool) {
	if c == nil || field == "" {
		return nil, false
	}
	if v, ok := c.Metrics[field]; ok && v != nil {
		return v, true
	}
	if v, ok := c.Metadata[field]; ok && v != nil {
		return v, true
	}
	switch field {
	case "symbol":
		if c.Symbol != "" {
			return c.Symbol, true
		}
	case "portfolioId", "portfolio_id":
		if c.PortfolioID != "" {
			return c.PortfolioID, true
		}
	case "timestamp":
		if !c.Timestamp.IsZero() {
			return float64(c.Timestamp.Unix()), true
		}
	}
	return nil, false
}

// Target is the subject of the alert: symbol, else portfolio id, else "global".
func (c *AlertContext) Target() string {
	if c == nil {
		return "global"
	}
	if c.Symbol != "" {
		return c.Symbol
	}
	if c.PortfolioID != "" {
		return c.PortfolioID
	}
	return "global"
}

// WithMetadata returns a copy of the context with extra metadata merged in.
// The receiver is left untouched.
func (c *AlertContext) WithMetadata(extra map[string]any) *AlertContext {
	out := *c
	out.Metadata = make(map[string]any, len(c.Metadata)+len(extra))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range extra {
		out.Metadata[k] = v
	}
	return &out
}

// AlertKey groups related alerts: alert type plus the alert target.
func AlertKey(alertType, target string) string {
	if target == "" {
		target = "global"
	}
	return alertType + "_" + target
}

// ConditionOutcome records the boolean produced by one condition.
type ConditionOutcome struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Result   bool     `json:"result"`
	Present  bool     `json:"present"`
}

// EvaluationDetails annotates an AlertResult.
type EvaluationDetails struct {
	Conditions      []ConditionOutcome `json:"conditions"`
	Logic           Logic              `json:"logic"`
	BaseSeverity    Severity           `json:"baseSeverity"`
	Escalated       bool               `json:"escalated"`
	AggregatedCount int                `json:"aggregatedCount"`
	Suppressed      bool               `json:"suppressed"`
	Error           string             `json:"error,omitempty"`
}

// AlertResult is the outcome of one rule against one context.
type AlertResult struct {
	RuleID    string            `json:"ruleId"`
	RuleName  string            `json:"ruleName"`
	Triggered bool              `json:"triggered"`
	Severity  Severity          `json:"severity"`
	Actions   []Action          `json:"actions"`
	AlertKey  string            `json:"alertKey"`
	Context   *AlertContext     `json:"-"`
	Details   EvaluationDetails `json:"evaluationDetails"`
}
