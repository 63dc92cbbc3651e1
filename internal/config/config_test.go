package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	t.Setenv("ALERT_ESCALATION_THRESHOLD", "")
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	a := cfg.Alerting
	assert.Equal(t, 3, a.EscalationThreshold)
	assert.Equal(t, time.Hour, a.EscalationWindowDuration())
	assert.Equal(t, 10*time.Second, a.ChannelTimeoutDuration())
	assert.Equal(t, 300, a.MessageRateLimitSeconds)
	assert.Equal(t, 100, a.MaxNotificationHistory)
	assert.Equal(t, BackendMemory, a.SuppressionBackend)
	require.Len(t, a.Channels, 1)
	assert.Equal(t, "log", a.Channels[0].Name)
	assert.Equal(t, []string{"log"}, a.SeverityRoutes["critical"])
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("ALERT_ESCALATION_THRESHOLD", "5")
	t.Setenv("ALERT_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("DB_ENABLED", "true")
	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Alerting.EscalationThreshold)
	assert.Equal(t, BackendRedis, cfg.Alerting.RateLimitBackend)
	assert.True(t, cfg.Database.Enabled)
	assert.Contains(t, cfg.Database.DSN(), "dbname=riskalert")
}

func TestLoadFrom_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"logging": {"level": "warn"},
		"alerting": {
			"channelTimeout": "3s",
			"channels": [
				{"name": "ops", "type": "webhook", "url": "http://example.invalid/hook"},
				{"name": "log", "type": "log"}
			],
			"severityRoutes": {"critical": ["ops", "log"], "info": ["log"]}
		}
	}`), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Alerting.ChannelTimeoutDuration())
	assert.Len(t, cfg.Alerting.Channels, 2)
	assert.Equal(t, []string{"ops", "log"}, cfg.Alerting.SeverityRoutes["critical"])
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":        `{`,
		"bad duration":    `{"alerting": {"channelTimeout": "soon"}}`,
		"bad backend":     `{"alerting": {"suppressionBackend": "etcd"}}`,
		"unknown route":   `{"alerting": {"channels": [{"name": "log", "type": "log"}], "severityRoutes": {"info": ["pager"]}}}`,
		"duplicate names": `{"alerting": {"channels": [{"name": "a", "type": "log"}, {"name": "a", "type": "log"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFrom(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
