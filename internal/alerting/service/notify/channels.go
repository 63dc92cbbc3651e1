package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LogChannel writes notifications to the process log.
type LogChannel struct {
	name string
}

func NewLogChannel(name string) *LogChannel { return &LogChannel{name: name} }

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, n *Notification) error {
	ev := log.Info()
	switch n.Severity {
	case model.SeverityWarning:
		ev = log.Warn()
	case model.SeverityCritical:
		ev = log.Error()
	}
	ev.Str("channel", c.name).
		Str("notification_id", n.ID).
		Str("alert_key", n.AlertKey).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// WebhookChannel POSTs the notification as JSON.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(name, url string, headers map[string]string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{name: name, url: url, headers: headers, client: client}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	return postJSON(ctx, c.client, c.url, c.headers, n)
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	name   string
	url    string
	client *http.Client
}

func NewSlackChannel(name, url string, client *http.Client) *SlackChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackChannel{name: name, url: url, client: client}
}

func (c *SlackChannel) Name() string { return c.name }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

func (c *SlackChannel) Send(ctx context.Context, n *Notification) error {
	return postJSON(ctx, c.client, c.url, nil, slackPayload(n))
}

func slackPayload(n *Notification) slackMessage {
	color := "#439FE0"
	switch n.Severity {
	case model.SeverityWarning:
		color = "warning"
	case model.SeverityCritical:
		color = "danger"
	}
	keys := make([]string, 0, len(n.Context))
	for k := range n.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]slackField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(n.Context[k]), Short: true})
	}
	return slackMessage{
		Text:        fmt.Sprintf("*%s*\n%s", n.Title, n.Message),
		Attachments: []slackAttachment{{Color: color, Fields: fields, Ts: n.Timestamp.Unix()}},
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// RedisChannel publishes the notification JSON on a pub/sub topic.
type RedisChannel struct {
	name  string
	topic string
	rdb   *redis.Client
}

func NewRedisChannel(name, topic string, rdb *redis.Client) *RedisChannel {
	return &RedisChannel{name: name, topic: topic, rdb: rdb}
}

func (c *RedisChannel) Name() string { return c.name }

func (c *RedisChannel) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.topic, err)
	}
	return nil
}

// BuildChannels constructs channels from configuration. rdb may be nil when no
// redis channel is configured.
func BuildChannels(cfgs []config.ChannelConfig, rdb *redis.Client) ([]Channel, error) {
	out := make([]Channel, 0, len(cfgs))
	for _, c := range cfgs {
		var timeout time.Duration
		if c.Timeout != "" {
			d, err := time.ParseDuration(c.Timeout)
			if err != nil {
				return nil, fmt.Errorf("channel %s: invalid timeout: %w", c.Name, err)
			}
			timeout = d
		}
		// Delivery deadlines come from the dispatcher context; the client only
		// carries the channel's own timeout when one is configured.
		client := &http.Client{Timeout: timeout}
		var ch Channel
		switch c.Type {
		case "log":
			ch = NewLogChannel(c.Name)
		case "webhook":
			if c.URL == "" {
				return nil, fmt.Errorf("channel %s: webhook needs url", c.Name)
			}
			ch = NewWebhookChannel(c.Name, c.URL, c.Headers, client)
		case "slack":
			if c.URL == "" {
				return nil, fmt.Errorf("channel %s: slack needs url", c.Name)
			}
			ch = NewSlackChannel(c.Name, c.URL, client)
		case "email":
			if c.Host == "" || c.From == "" || len(c.To) == 0 {
				return nil, fmt.Errorf("channel %s: email needs host, from and to", c.Name)
			}
			ch = NewEmailChannel(c.Name, EmailConfig{
				Host: c.Host, Port: c.Port, From: c.From, To: c.To,
				Username: c.Username, Password: c.Password,
			})
		case "redis":
			if rdb == nil {
				return nil, fmt.Errorf("channel %s: redis channel needs a redis client", c.Name)
			}
			topic := c.Topic
			if topic == "" {
				topic = "riskalert:notifications"
			}
			ch = NewRedisChannel(c.Name, topic, rdb)
		default:
			return nil, fmt.Errorf("channel %s: unsupported type %q", c.Name, c.Type)
		}
		if timeout > 0 {
			ch = WithTimeout(ch, timeout)
		}
		out = append(out, ch)
	}
	return out, nil
}
