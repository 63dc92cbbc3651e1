package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/riskalert/internal/alerting/metrics"
	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChannelTimeout    = 10 * time.Second
	DefaultRateLimitInterval = 300 * time.Second
	DefaultMaxHistory        = 100
)

type Config struct {
	ChannelTimeout time.Duration
	// RateLimitInterval is the minimum gap between identical messages; zero disables limiting.
	RateLimitInterval time.Duration
	MaxHistory        int
	// SeverityRoutes maps a severity to channel names. Unknown severities use the info route.
	SeverityRoutes map[model.Severity][]string
}

func DefaultConfig() Config {
	return Config{
		ChannelTimeout:    DefaultChannelTimeout,
		RateLimitInterval: DefaultRateLimitInterval,
		MaxHistory:        DefaultMaxHistory,
	}
}

// Dispatcher fans a notification out to its channels concurrently. Channel sends
// never run under the dispatcher lock.
type Dispatcher struct {
	cfg      Config
	channels map[string]Channel
	breakers map[string]*gobreaker.CircuitBreaker
	limiter  RateLimiter
	metrics  *metrics.Collector
	now      func() time.Time

	mu      sync.Mutex
	stats   map[string]*ChannelStat
	history []Notification
}

type Option func(*Dispatcher)

func WithRateLimiter(l RateLimiter) Option { return func(d *Dispatcher) { d.limiter = l } }

func WithMetrics(c *metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = c } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func NewDispatcher(cfg Config, channels []Channel, opts ...Option) *Dispatcher {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = DefaultChannelTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[string]Channel, len(channels)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(channels)),
		stats:    make(map[string]*ChannelStat, len(channels)),
		now:      time.Now,
	}
	for _, ch := range channels {
		name := ch.Name()
		d.channels[name] = ch
		d.breakers[name] = newBreaker(name)
		d.stats[name] = &ChannelStat{}
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		if cfg.RateLimitInterval > 0 {
			d.limiter = NewMemoryRateLimiter(cfg.RateLimitInterval)
		} else {
			d.limiter = noLimit{}
		}
	}
	return d
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("channel breaker state changed")
		},
	})
}

// Close releases the rate limiter.
func (d *Dispatcher) Close() { d.limiter.Close() }

// ChannelNames lists the configured channels.
func (d *Dispatcher) ChannelNames() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	return out
}

// Route returns the channel names configured for severity.
func (d *Dispatcher) Route(severity model.Severity) []string {
	if names, ok := d.cfg.SeverityRoutes[severity]; ok {
		return names
	}
	return d.cfg.SeverityRoutes[model.SeverityInfo]
}

// Send delivers an alert to the channels routed for its severity. values travel
// with the notification as its context.
func (d *Dispatcher) Send(ctx context.Context, alertType string, severity model.Severity, target, message string, values map[string]any) DispatchResult {
	return d.SendTo(ctx, nil, alertType, severity, target, message, values)
}

// SendTo delivers to the named channels, falling back to the severity route when
// channelNames is empty. Unknown channel names count as failed deliveries.
func (d *Dispatcher) SendTo(ctx context.Context, channelNames []string, alertType string, severity model.Severity, target, message string, values map[string]any) DispatchResult {
	if len(channelNames) == 0 {
		channelNames = d.Route(severity)
	}
	n := Notification{
		ID:        uuid.NewString(),
		AlertKey:  model.AlertKey(alertType, target),
		Severity:  severity,
		Title:     Title(severity, alertType, target),
		Message:   message,
		Channels:  dedupe(channelNames),
		Timestamp: d.now().UTC(),
		Context:   copyMap(values),
	}
	res := DispatchResult{NotificationID: n.ID, ChannelResults: map[string]bool{}}

	if len(n.Channels) == 0 {
		res.Reason = ReasonNoChannels
		n.Error = "no channels configured for severity " + string(severity)
		d.record(n)
		return res
	}

	// Each channel holds its own reservation for this message, so a channel that
	// failed can be retried while the ones that delivered stay quiet.
	msgKey := MessageKey(n.Title, n.Message)
	targets := make([]string, 0, len(n.Channels))
	for _, name := range n.Channels {
		if d.limiter.Allow(ctx, deliveryKey(msgKey, name)) {
			targets = append(targets, name)
			continue
		}
		d.metrics.NotificationResult(name, ReasonRateLimited, 0)
	}
	if len(targets) == 0 {
		res.Reason = ReasonRateLimited
		n.Error = ReasonRateLimited
		log.Debug().Str("alert_key", n.AlertKey).Msg("notification rate limited")
		d.record(n)
		return res
	}
	n.Channels = targets

	errs := d.fanOut(ctx, &n)
	for name := range errs {
		d.limiter.Release(ctx, deliveryKey(msgKey, name))
	}
	ok := 0
	for _, name := range n.Channels {
		res.ChannelResults[name] = errs[name] == nil
		if res.ChannelResults[name] {
			ok++
		}
	}
	switch {
	case ok == len(n.Channels):
		res.Sent, res.Reason = true, ReasonSent
	case ok == 0:
		res.Reason = ReasonAllFailed
	default:
		res.Reason = ReasonPartialFailure
	}
	n.Sent = res.Sent
	if len(errs) > 0 {
		joined := make([]error, 0, len(errs))
		for _, name := range n.Channels {
			if err := errs[name]; err != nil {
				joined = append(joined, err)
			}
		}
		n.Error = errors.Join(joined...).Error()
	}
	d.record(n)
	return res
}

// fanOut sends n to every channel concurrently and returns the failures by channel.
func (d *Dispatcher) fanOut(ctx context.Context, n *Notification) map[string]error {
	var (
		mu   sync.Mutex
		errs = map[string]error{}
		g    errgroup.Group
	)
	for _, name := range n.Channels {
		name := name
		g.Go(func() error {
			err := d.deliver(ctx, name, n)
			if err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
			// One channel failing never cancels the others.
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (d *Dispatcher) deliver(ctx context.Context, name string, n *Notification) error {
	ch, ok := d.channels[name]
	if !ok {
		err := &model.ChannelDeliveryError{Channel: name, Err: errors.New("channel not configured")}
		d.observe(name, err, 0)
		return err
	}
	timeout := d.cfg.ChannelTimeout
	if tc, ok := ch.(TimeoutChannel); ok && tc.Timeout() > 0 {
		timeout = tc.Timeout()
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	_, err := d.breakers[name].Execute(func() (interface{}, error) {
		return nil, ch.Send(cctx, n)
	})
	latency := d.now().Sub(start)
	if err != nil {
		err = &model.ChannelDeliveryError{Channel: name, Err: err}
		log.Warn().Err(err).Str("channel", name).Str("notification_id", n.ID).Msg("channel delivery failed")
	}
	d.observe(name, err, latency)
	return err
}

func (d *Dispatcher) observe(name string, err error, latency time.Duration) {
	d.mu.Lock()
	st, ok := d.stats[name]
	if !ok {
		st = &ChannelStat{}
		d.stats[name] = st
	}
	if err != nil {
		st.FailureCount++
	} else {
		st.SuccessCount++
	}
	st.TotalLatency += latency
	d.mu.Unlock()

	result := "success"
	if err != nil {
		result = "failure"
	}
	d.metrics.NotificationResult(name, result, latency)
}

func (d *Dispatcher) record(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, n)
	if over := len(d.history) - d.cfg.MaxHistory; over > 0 {
		d.history = append([]Notification(nil), d.history[over:]...)
	}
}

// ChannelStats returns a copy of the per-channel statistics.
func (d *Dispatcher) ChannelStats() map[string]ChannelStat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ChannelStat, len(d.stats))
	for name, st := range d.stats {
		out[name] = *st
	}
	return out
}

// History returns the retained notifications, oldest first.
func (d *Dispatcher) History() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.history...)
}

// Title renders the notification title, e.g. "[WARNING] r1 alert for AAPL".
func Title(severity model.Severity, alertType, target string) string {
	if target == "" {
		target = "global"
	}
	return fmt.Sprintf("[%s] %s alert for %s", strings.ToUpper(string(severity)), alertType, target)
}

func deliveryKey(msgKey, channel string) string { return msgKey + ":" + channel }

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
