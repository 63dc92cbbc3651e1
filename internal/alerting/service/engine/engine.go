// Package engine evaluates the rule set against alert contexts and applies the
// frequency, suppression, escalation and aggregation policies.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/metrics"
	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/alerting/service/condition"
	"github.com/qiniu/riskalert/internal/alerting/service/ruleset"
	"github.com/qiniu/riskalert/internal/alerting/service/tracker"
	"github.com/rs/zerolog/log"
)

// Config carries the process-wide policy defaults. Per-rule values override them when set.
type Config struct {
	EscalationThreshold      int
	EscalationWindow         time.Duration
	AggregationWindow        time.Duration
	DefaultSuppressionWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		EscalationThreshold:      tracker.DefaultEscalationThreshold,
		EscalationWindow:         time.Hour,
		AggregationWindow:        tracker.DefaultAggregationWindow,
		DefaultSuppressionWindow: 60 * time.Second,
	}
}

// Engine is safe for concurrent Evaluate calls.
type Engine struct {
	cfg         Config
	now         tracker.Clock
	rules       *ruleset.Manager
	exec        *tracker.ExecutionTracker
	suppressor  tracker.SuppressionManager
	escalation  *tracker.EscalationTracker
	aggregation *tracker.AggregationManager
	metrics     *metrics.Collector
}

type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

func WithClock(now tracker.Clock) Option { return func(e *Engine) { e.now = now } }

// WithRuleManager shares a rule manager, typically one backed by a persistent store.
func WithRuleManager(m *ruleset.Manager) Option { return func(e *Engine) { e.rules = m } }

func WithSuppressor(s tracker.SuppressionManager) Option {
	return func(e *Engine) { e.suppressor = s }
}

func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

func New(opts ...Option) *Engine {
	e := &Engine{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	def := DefaultConfig()
	if e.cfg.EscalationThreshold <= 0 {
		e.cfg.EscalationThreshold = def.EscalationThreshold
	}
	if e.cfg.AggregationWindow <= 0 {
		e.cfg.AggregationWindow = def.AggregationWindow
	}
	if e.cfg.DefaultSuppressionWindow <= 0 {
		e.cfg.DefaultSuppressionWindow = def.DefaultSuppressionWindow
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rules == nil {
		e.rules = ruleset.NewManager(nil, e.now)
	}
	if e.suppressor == nil {
		e.suppressor = tracker.NewMemorySuppressor(e.now)
	}
	e.exec = tracker.NewExecutionTracker(e.now)
	e.escalation = tracker.NewEscalationTracker(e.cfg.EscalationThreshold, e.cfg.EscalationWindow, e.now)
	e.aggregation = tracker.NewAggregationManager(e.cfg.AggregationWindow, e.now)
	return e
}

// Evaluate runs every enabled rule against ac, highest priority first, and returns
// the triggered results in that order. A failing rule is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, ac *model.AlertContext) []model.AlertResult {
	if ac == nil {
		return nil
	}
	var results []model.AlertResult
	for _, r := range e.rules.Snapshot() {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("evaluation cancelled")
			break
		}
		if !r.Enabled {
			continue
		}
		if res, ok := e.evaluateRule(ctx, r, ac); ok {
			results = append(results, res)
		}
	}
	return results
}

func (e *Engine) evaluateRule(ctx context.Context, r *model.Rule, ac *model.AlertContext) (res model.AlertResult, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("rule_id", r.ID).Interface("panic", p).Msg("rule evaluation panicked")
			e.metrics.RuleFailed(r.ID)
			res, ok = model.AlertResult{}, false
		}
	}()

	if e.suppressor.IsSuppressed(ctx, r.ID) {
		log.Debug().Str("rule_id", r.ID).Msg("rule suppressed, skipping")
		return res, false
	}
	if !e.exec.CanFire(r.ID, r.MaxFrequency) {
		log.Debug().Str("rule_id", r.ID).Int("max_frequency", r.MaxFrequency).Msg("rule frequency limit reached")
		return res, false
	}
	triggered, outcomes, err := condition.EvaluateAll(r.Conditions, r.ConditionLogic, ac)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", r.ID).Msg("rule evaluation failed")
		e.metrics.RuleFailed(r.ID)
		return res, false
	}
	if !triggered {
		return res, false
	}

	// Another caller may have used the last slot while conditions were evaluated.
	if !e.exec.TryRecordFire(r.ID, r.MaxFrequency) {
		log.Debug().Str("rule_id", r.ID).Int("max_frequency", r.MaxFrequency).Msg("rule frequency limit reached")
		return res, false
	}
	key := model.AlertKey(r.ID, ac.Target())
	base := r.BaseSeverity()
	severity, escalated := e.escalation.CheckAndMaybeEscalate(key, base, r.EscalationThreshold)
	if r.HasAction(model.ActionEscalate) && severity != model.SeverityCritical {
		severity = severity.Next()
		escalated = true
	}

	window := r.AggregationWindow
	if window <= 0 {
		window = e.cfg.AggregationWindow
	}
	similar := e.aggregation.CountRecent(key, window)

	actions := model.CloneActions(r.Actions)
	if r.HasAction(model.ActionAggregate) && similar > 0 {
		suffix := fmt.Sprintf(" (%d similar alerts in the last %s)", similar, describeWindow(window))
		for i := range actions {
			if actions[i].Type == model.ActionNotify {
				actions[i].Message += suffix
			}
		}
	}

	suppressed := false
	if r.HasAction(model.ActionSuppress) {
		d := r.SuppressionWindow
		if d <= 0 {
			d = r.CooldownPeriod
		}
		if d <= 0 {
			d = e.cfg.DefaultSuppressionWindow
		}
		e.suppressor.Suppress(ctx, r.ID, d)
		suppressed = true
	}

	e.metrics.RuleTriggered(r.ID, string(severity))
	log.Info().
		Str("rule_id", r.ID).
		Str("alert_key", key).
		Str("severity", string(severity)).
		Bool("escalated", escalated).
		Int("similar", similar).
		Msg("rule triggered")

	return model.AlertResult{
		RuleID:    r.ID,
		RuleName:  r.Name,
		Triggered: true,
		Severity:  severity,
		Actions:   actions,
		AlertKey:  key,
		Context:   ac,
		Details: model.EvaluationDetails{
			Conditions:      outcomes,
			Logic:           r.ConditionLogic,
			BaseSeverity:    base,
			Escalated:       escalated,
			AggregatedCount: similar,
			Suppressed:      suppressed,
		},
	}, true
}

// describeWindow renders 5m as "5 minutes" and 90s as "90 seconds".
func describeWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
