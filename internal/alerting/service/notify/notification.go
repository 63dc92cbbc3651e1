// Package notify delivers alerts to external channels with message-level rate
// limiting, concurrent fan-out and per-channel statistics.
package notify

import (
	"context"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

// Dispatch reasons reported in DispatchResult.Reason.
const (
	ReasonSent           = "sent"
	ReasonRateLimited    = "rate_limited"
	ReasonNoChannels     = "no_channels"
	ReasonPartialFailure = "partial_failure"
	ReasonAllFailed      = "all_failed"
)

// Notification is one delivery attempt, kept in the bounded history.
type Notification struct {
	ID        string         `json:"id"`
	AlertKey  string         `json:"alertKey"`
	Severity  model.Severity `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Channels  []string       `json:"channels"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Sent      bool           `json:"sent"`
	Error     string         `json:"error,omitempty"`
}

// DispatchResult reports the outcome of Send. ChannelResults has one entry per
// attempted channel.
type DispatchResult struct {
	NotificationID string          `json:"notificationId"`
	Sent           bool            `json:"sent"`
	Reason         string          `json:"reason"`
	ChannelResults map[string]bool `json:"channelResults"`
}

// ChannelStat accumulates delivery outcomes for one channel.
type ChannelStat struct {
	SuccessCount int64         `json:"successCount"`
	FailureCount int64         `json:"failureCount"`
	TotalLatency time.Duration `json:"totalLatency"`
}

func (s ChannelStat) AverageLatency() time.Duration {
	n := s.SuccessCount + s.FailureCount
	if n == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(n)
}

// Channel delivers a notification. Send must honour ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// TimeoutChannel is implemented by channels configured with their own delivery
// timeout. It overrides the dispatcher-wide ChannelTimeout.
type TimeoutChannel interface {
	Channel
	Timeout() time.Duration
}

// WithTimeout attaches a per-channel delivery timeout to ch.
func WithTimeout(ch Channel, d time.Duration) Channel {
	return &timedChannel{Channel: ch, timeout: d}
}

type timedChannel struct {
	Channel
	timeout time.Duration
}

func (c *timedChannel) Timeout() time.Duration { return c.timeout }
