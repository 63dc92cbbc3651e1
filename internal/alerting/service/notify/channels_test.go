package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func sampleNotification() *Notification {
	return &Notification{
		ID:        "n-1",
		AlertKey:  "r1_AAPL",
		Severity:  model.SeverityCritical,
		Title:     Title(model.SeverityCritical, "r1", "AAPL"),
		Message:   "VaR above limit",
		Channels:  []string{"hook"},
		Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Context:   map[string]any{"var_1d_95": 0.12, "symbol": "AAPL"},
	}
}

func TestWebhookChannel(t *testing.T) {
	var got Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, map[string]string{"Authorization": "Bearer t0k"}, srv.Client())
	require.NoError(t, ch.Send(context.Background(), sampleNotification()))
	assert.Equal(t, "Bearer t0k", auth)
	assert.Equal(t, "n-1", got.ID)
	assert.Equal(t, model.SeverityCritical, got.Severity)
	assert.Equal(t, 0.12, got.Context["var_1d_95"])
}

func TestWebhookChannel_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel("hook", srv.URL, nil, srv.Client()).Send(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackChannel(t *testing.T) {
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	require.NoError(t, NewSlackChannel("slack", srv.URL, srv.Client()).Send(context.Background(), sampleNotification()))
	assert.Equal(t, "*[CRITICAL] r1 alert for AAPL*\nVaR above limit", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "danger", got.Attachments[0].Color)
	require.Len(t, got.Attachments[0].Fields, 2)
	assert.Equal(t, "symbol", got.Attachments[0].Fields[0].Title)
	assert.Equal(t, "0.12", got.Attachments[0].Fields[1].Value)
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel("log")
	assert.Equal(t, "log", ch.Name())
	assert.NoError(t, ch.Send(context.Background(), sampleNotification()))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisChannel(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "alerts")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisChannel("bus", "alerts", rdb).Send(ctx, sampleNotification()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "r1_AAPL", got.AlertKey)
}

func TestRedisRateLimiter(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	l := NewRedisRateLimiter(rdb, time.Minute)
	key := MessageKey("title", "body")

	assert.True(t, l.Allow(ctx, key))
	assert.False(t, l.Allow(ctx, key))
	assert.True(t, l.Allow(ctx, MessageKey("title", "other body")))

	mr.FastForward(time.Minute)
	assert.True(t, l.Allow(ctx, key))

	assert.False(t, l.Allow(ctx, key))
	l.Release(ctx, key)
	assert.True(t, l.Allow(ctx, key), "released key can be reserved again")

	mr.Close()
	assert.True(t, l.Allow(ctx, key), "unavailable redis fails open")
}

func TestMemoryRateLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryRateLimiter(50 * time.Millisecond)
	defer l.Close()

	assert.True(t, l.Allow(ctx, "k"))
	assert.False(t, l.Allow(ctx, "k"))
	l.Release(ctx, "k")
	assert.True(t, l.Allow(ctx, "k"))
	assert.Eventually(t, func() bool { return l.Allow(ctx, "k") }, time.Second, 10*time.Millisecond)
}

func TestMemoryRateLimiterCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)
	for i := 0; i < 100; i++ {
		l := NewMemoryRateLimiter(time.Minute)
		l.Allow(context.Background(), "k")
		l.Close()
	}
	for i := 0; i < 20; i++ {
		NewDispatcher(Config{RateLimitInterval: time.Minute}, nil).Close()
	}
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, MessageKey("a", "b"), MessageKey("a", "b"))
	assert.NotEqual(t, MessageKey("ab", ""), MessageKey("a", "b"))
}

// fakeSMTP accepts one session and records the DATA payload.
type fakeSMTP struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	rcpt []string
	data string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeSMTP) serve() {
	defer s.wg.Done()
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }
	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.TrimSpace(line[len("RCPT TO:"):]))
			s.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 end with .")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func TestEmailChannel(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ch := NewEmailChannel("mail", EmailConfig{Host: host, Port: port, From: "alerts@example.com", To: []string{"risk@example.com", "ops@example.com"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, sampleNotification()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"<risk@example.com>", "<ops@example.com>"}, srv.rcpt)
	assert.Contains(t, srv.data, "Subject: [CRITICAL] r1 alert for AAPL")
	assert.Contains(t, srv.data, "VaR above limit")
}

func TestEmailChannel_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	ch := NewEmailChannel("mail", EmailConfig{Host: "127.0.0.1", Port: addr.Port, From: "a@example.com", To: []string{"b@example.com"}})
	assert.Error(t, ch.Send(context.Background(), sampleNotification()))
}

func TestBuildChannels(t *testing.T) {
	_, rdb := newRedis(t)
	chans, err := BuildChannels([]config.ChannelConfig{
		{Name: "log", Type: "log"},
		{Name: "hook", Type: "webhook", URL: "http://example.invalid", Timeout: "2s"},
		{Name: "slack", Type: "slack", URL: "http://example.invalid"},
		{Name: "mail", Type: "email", Host: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}},
		{Name: "bus", Type: "redis", Topic: "alerts"},
	}, rdb)
	require.NoError(t, err)
	names := make([]string, len(chans))
	for i, c := range chans {
		names[i] = c.Name()
	}
	assert.Equal(t, []string{"log", "hook", "slack", "mail", "bus"}, names)
	tc, ok := chans[1].(TimeoutChannel)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, tc.Timeout())
	_, ok = chans[0].(TimeoutChannel)
	assert.False(t, ok, "channels without a timeout use the dispatcher default")

	for _, bad := range []config.ChannelConfig{
		{Name: "x", Type: "pager"},
		{Name: "x", Type: "webhook"},
		{Name: "x", Type: "email", Host: "h"},
		{Name: "x", Type: "log", Timeout: "never"},
	} {
		_, err := BuildChannels([]config.ChannelConfig{bad}, rdb)
		assert.Error(t, err, bad.Type)
	}
	_, err = BuildChannels([]config.ChannelConfig{{Name: "bus", Type: "redis"}}, nil)
	assert.Error(t, err)
}

// silentSMTP accepts connections and never sends a greeting.
func silentSMTP(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
		done  = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func TestBuildChannels_ChannelTimeoutReachesDispatcher(t *testing.T) {
	port := silentSMTP(t)
	chans, err := BuildChannels([]config.ChannelConfig{{
		Name: "mail", Type: "email", Host: "127.0.0.1", Port: port,
		From: "a@example.com", To: []string{"b@example.com"}, Timeout: "200ms",
	}}, nil)
	require.NoError(t, err)
	d := NewDispatcher(Config{ChannelTimeout: 5 * time.Second, SeverityRoutes: routes("mail")}, chans)
	defer d.Close()

	start := time.Now()
	res := d.Send(context.Background(), "r1", model.SeverityCritical, "AAPL", "VaR above limit", nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, map[string]bool{"mail": false}, res.ChannelResults)
}
