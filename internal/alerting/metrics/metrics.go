// Package metrics holds the Prometheus collectors shared by the rule engine
// and the notification dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskalert"

// Collector groups every riskalert metric. A nil *Collector is a no-op.
type Collector struct {
	ruleTriggers   *prometheus.CounterVec
	ruleErrors     *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	channelLatency *prometheus.HistogramVec
}

// New registers the collectors on reg. Tests pass a fresh prometheus.NewRegistry()
// so repeated construction never collides with the default registry.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		ruleTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_triggers_total",
				Help:      "Number of triggered rule evaluations",
			},
			[]string{"rule", "severity"},
		),
		ruleErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_errors_total",
				Help:      "Number of rule evaluations that failed and were skipped",
			},
			[]string{"rule"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification delivery attempts per channel and result",
			},
			[]string{"channel", "result"},
		),
		channelLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "channel_latency_seconds",
				Help:      "Channel send latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
}

func (c *Collector) RuleTriggered(ruleID, severity string) {
	if c == nil {
		return
	}
	c.ruleTriggers.WithLabelValues(ruleID, severity).Inc()
}

func (c *Collector) RuleFailed(ruleID string) {
	if c == nil {
		return
	}
	c.ruleErrors.WithLabelValues(ruleID).Inc()
}

// NotificationResult records one channel attempt. result is "success", "failure" or "rate_limited".
func (c *Collector) NotificationResult(channel, result string, latency time.Duration) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(channel, result).Inc()
	if latency > 0 {
		c.channelLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}
