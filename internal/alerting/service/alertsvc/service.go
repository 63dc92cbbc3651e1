// Package alertsvc ties the rule engine, the risk scorer and the notification
// dispatcher together and keeps alert-level statistics.
package alertsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/alerting/service/engine"
	"github.com/qiniu/riskalert/internal/alerting/service/notify"
	"github.com/qiniu/riskalert/internal/alerting/service/riskscore"
	"github.com/rs/zerolog/log"
)

// Metadata keys attached by ProcessScored.
const (
	MetaRiskLevel = "risk_level"
	MetaRiskScore = "risk_score"
)

// Outcome is what one Process call produced.
type Outcome struct {
	Results    []model.AlertResult     `json:"results"`
	Dispatches []notify.DispatchResult `json:"dispatches"`
}

// AlertStatistics summarises everything the service has processed since start.
// TotalSuppressed counts triggered results that opened a suppression window;
// SuppressionRate and EscalationRate are fractions of TotalTriggered.
// TotalRateLimited counts dispatches rejected by the message rate limiter;
// RateLimitRate is a fraction of TotalDispatched.
type AlertStatistics struct {
	TotalTriggered   int64                         `json:"totalTriggered"`
	TotalDispatched  int64                         `json:"totalDispatched"`
	TotalSent        int64                         `json:"totalSent"`
	TotalSuppressed  int64                         `json:"totalSuppressed"`
	TotalRateLimited int64                         `json:"totalRateLimited"`
	TotalEscalated   int64                         `json:"totalEscalated"`
	BySeverity       map[model.Severity]int64      `json:"bySeverity"`
	SuppressionRate  float64                       `json:"suppressionRate"`
	RateLimitRate    float64                       `json:"rateLimitRate"`
	EscalationRate   float64                       `json:"escalationRate"`
	Channels         map[string]notify.ChannelStat `json:"channels"`
	Engine           engine.Statistics             `json:"engine"`
}

type Service struct {
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	scorer     riskscore.Scorer
	now        func() time.Time

	mu    sync.Mutex
	stats counters
}

type counters struct {
	triggered, dispatched, sent, suppressed, rateLimited, escalated int64
	bySeverity                                                      map[model.Severity]int64
}

type Option func(*Service)

func WithScorer(s riskscore.Scorer) Option { return func(svc *Service) { svc.scorer = s } }

func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

func New(e *engine.Engine, d *notify.Dispatcher, opts ...Option) *Service {
	s := &Service{
		engine:     e,
		dispatcher: d,
		scorer:     riskscore.BandScorer{},
		now:        time.Now,
		stats:      counters{bySeverity: map[model.Severity]int64{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Engine() *engine.Engine { return s.engine }

func (s *Service) Dispatcher() *notify.Dispatcher { return s.dispatcher }

// Bootstrap loads the stored rules and then the rules file, if any. File rules
// replace stored rules with the same id.
func (s *Service) Bootstrap(ctx context.Context, rulesFile string) error {
	if _, err := s.engine.LoadRules(ctx); err != nil {
		return err
	}
	if rulesFile == "" {
		return nil
	}
	if _, err := s.engine.ImportRulesFile(ctx, rulesFile); err != nil {
		// Invalid rules are skipped and already logged; only fail when nothing could be read.
		if len(s.engine.Rules()) == 0 {
			return fmt.Errorf("bootstrap rules: %w", err)
		}
		log.Warn().Err(err).Str("file", rulesFile).Msg("some rules were skipped")
	}
	return nil
}

// ProcessMetrics builds a context for symbol or portfolio and runs it through ProcessScored.
func (s *Service) ProcessMetrics(ctx context.Context, symbol, portfolioID string, metrics map[string]any) Outcome {
	return s.ProcessScored(ctx, &model.AlertContext{
		Symbol:      symbol,
		PortfolioID: portfolioID,
		Metrics:     metrics,
		Timestamp:   s.now().UTC(),
	})
}

// ProcessScored attaches the scorer's risk level (and score, when available) as
// metadata and runs the enriched copy through Process.
func (s *Service) ProcessScored(ctx context.Context, ac *model.AlertContext) Outcome {
	if ac == nil {
		return Outcome{}
	}
	meta := map[string]any{}
	if as, ok := s.scorer.(riskscore.Assessor); ok {
		a := as.Assess(ac.Metrics)
		meta[MetaRiskLevel] = string(a.Level)
		meta[MetaRiskScore] = a.Score
	} else {
		meta[MetaRiskLevel] = string(s.scorer.ComputeRiskLevel(ac.Metrics))
	}
	return s.Process(ctx, ac.WithMetadata(meta))
}

// Process evaluates ac and delivers the notify actions of every triggered result.
// Results carrying an ignore action are recorded but never delivered.
func (s *Service) Process(ctx context.Context, ac *model.AlertContext) Outcome {
	if ac == nil {
		return Outcome{}
	}
	if ac.Timestamp.IsZero() {
		ac = ac.WithMetadata(nil)
		ac.Timestamp = s.now().UTC()
	}
	out := Outcome{Results: s.engine.Evaluate(ctx, ac)}
	for _, res := range out.Results {
		s.countResult(res)
		if hasAction(res.Actions, model.ActionIgnore) {
			log.Debug().Str("rule_id", res.RuleID).Msg("result ignored, no delivery")
			continue
		}
		for _, a := range res.Actions {
			if a.Type != model.ActionNotify {
				continue
			}
			msg := a.Message
			if msg == "" {
				msg = fmt.Sprintf("rule %s triggered", res.RuleName)
			}
			dr := s.dispatcher.SendTo(ctx, a.Channels, res.RuleID, res.Severity, ac.Target(), msg, ac.Metrics)
			s.countDispatch(dr)
			out.Dispatches = append(out.Dispatches, dr)
		}
	}
	return out
}

// Send delivers an ad-hoc alert through the severity routes.
func (s *Service) Send(ctx context.Context, alertType string, severity model.Severity, target, message string, metrics map[string]any) notify.DispatchResult {
	dr := s.dispatcher.Send(ctx, alertType, severity, target, message, metrics)
	s.countDispatch(dr)
	return dr
}

func (s *Service) countResult(res model.AlertResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.triggered++
	s.stats.bySeverity[res.Severity]++
	if res.Details.Escalated {
		s.stats.escalated++
	}
	if res.Details.Suppressed {
		s.stats.suppressed++
	}
}

func (s *Service) countDispatch(dr notify.DispatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.dispatched++
	switch {
	case dr.Sent:
		s.stats.sent++
	case dr.Reason == notify.ReasonRateLimited:
		s.stats.rateLimited++
	}
}

func (s *Service) GetAlertStatistics(ctx context.Context) AlertStatistics {
	s.mu.Lock()
	st := AlertStatistics{
		TotalTriggered:   s.stats.triggered,
		TotalDispatched:  s.stats.dispatched,
		TotalSent:        s.stats.sent,
		TotalSuppressed:  s.stats.suppressed,
		TotalRateLimited: s.stats.rateLimited,
		TotalEscalated:   s.stats.escalated,
		BySeverity:       make(map[model.Severity]int64, len(s.stats.bySeverity)),
	}
	for k, v := range s.stats.bySeverity {
		st.BySeverity[k] = v
	}
	s.mu.Unlock()

	if st.TotalTriggered > 0 {
		st.SuppressionRate = float64(st.TotalSuppressed) / float64(st.TotalTriggered)
		st.EscalationRate = float64(st.TotalEscalated) / float64(st.TotalTriggered)
	}
	if st.TotalDispatched > 0 {
		st.RateLimitRate = float64(st.TotalRateLimited) / float64(st.TotalDispatched)
	}
	st.Channels = s.dispatcher.ChannelStats()
	st.Engine = s.engine.GetStatistics(ctx)
	return st
}

func hasAction(actions []model.Action, t model.ActionType) bool {
	for _, a := range actions {
		if a.Type == t {
			return true
		}
	}
	return false
}
