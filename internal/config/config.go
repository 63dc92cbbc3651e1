package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Alerting AlertingConfig `json:"alerting"`
}

type ServerConfig struct {
	// BindAddr serves /metrics and /healthz only.
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type AlertingConfig struct {
	EscalationThreshold             int    `json:"escalationThreshold"`
	EscalationWindow                string `json:"escalationWindow"` // e.g. "1h"
	DeduplicationWindowSeconds      int    `json:"deduplicationWindowSeconds"`
	SuppressionWindowSecondsDefault int    `json:"suppressionWindowSecondsDefault"`
	MessageRateLimitSeconds         int    `json:"messageRateLimitSeconds"`
	MaxNotificationHistory          int    `json:"maxNotificationHistory"`
	ChannelTimeout                  string `json:"channelTimeout"` // e.g. "10s"

	Channels       []ChannelConfig     `json:"channels"`
	SeverityRoutes map[string][]string `json:"severityRoutes"`

	RulesFile          string `json:"rulesFile"`
	SuppressionBackend string `json:"suppressionBackend"` // memory|redis
	RateLimitBackend   string `json:"rateLimitBackend"`   // memory|redis
}

// ChannelConfig describes one delivery channel. Which fields apply depends on Type:
// log, webhook (URL, Headers), slack (URL), email (Host, Port, From, To, Username, Password)
// and redis (Topic).
type ChannelConfig struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	URL      string            `json:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	From     string            `json:"from,omitempty"`
	To       []string          `json:"to,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Topic    string            `json:"topic,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg, err := LoadFrom(*configFile)
	if err != nil {
		log.Err(err).Str("file", *configFile).Msg("load config")
		return nil, err
	}
	return cfg, nil
}

// LoadFrom builds the configuration from environment defaults overlaid with the
// JSON file at path (skipped when path is empty).
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:9105"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "riskalert"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Alerting: AlertingConfig{
			EscalationThreshold:             getEnvInt("ALERT_ESCALATION_THRESHOLD", 3),
			EscalationWindow:                getEnv("ALERT_ESCALATION_WINDOW", "1h"),
			DeduplicationWindowSeconds:      getEnvInt("ALERT_DEDUP_WINDOW_SECONDS", 300),
			SuppressionWindowSecondsDefault: getEnvInt("ALERT_SUPPRESSION_WINDOW_SECONDS", 60),
			MessageRateLimitSeconds:         getEnvInt("ALERT_MESSAGE_RATE_LIMIT_SECONDS", 300),
			MaxNotificationHistory:          getEnvInt("ALERT_MAX_NOTIFICATION_HISTORY", 100),
			ChannelTimeout:                  getEnv("ALERT_CHANNEL_TIMEOUT", "10s"),
			RulesFile:                       getEnv("ALERT_RULES_FILE", ""),
			SuppressionBackend:              getEnv("ALERT_SUPPRESSION_BACKEND", BackendMemory),
			RateLimitBackend:                getEnv("ALERT_RATE_LIMIT_BACKEND", BackendMemory),
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:9105"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	a := &cfg.Alerting
	if a.EscalationThreshold <= 0 {
		a.EscalationThreshold = 3
	}
	if a.EscalationWindow == "" {
		a.EscalationWindow = "1h"
	}
	if a.DeduplicationWindowSeconds <= 0 {
		a.DeduplicationWindowSeconds = 300
	}
	if a.SuppressionWindowSecondsDefault <= 0 {
		a.SuppressionWindowSecondsDefault = 60
	}
	if a.MessageRateLimitSeconds < 0 {
		a.MessageRateLimitSeconds = 300
	}
	if a.MaxNotificationHistory <= 0 {
		a.MaxNotificationHistory = 100
	}
	if a.ChannelTimeout == "" {
		a.ChannelTimeout = "10s"
	}
	if a.SuppressionBackend == "" {
		a.SuppressionBackend = BackendMemory
	}
	if a.RateLimitBackend == "" {
		a.RateLimitBackend = BackendMemory
	}
	if len(a.Channels) == 0 {
		a.Channels = []ChannelConfig{{Name: "log", Type: "log"}}
	}
	if len(a.SeverityRoutes) == 0 {
		a.SeverityRoutes = map[string][]string{
			"info":     {"log"},
			"warning":  {"log"},
			"critical": {"log"},
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would only fail later at runtime.
func (c *Config) Validate() error {
	a := c.Alerting
	for _, s := range []struct{ name, value string }{
		{"alerting.escalationWindow", a.EscalationWindow},
		{"alerting.channelTimeout", a.ChannelTimeout},
	} {
		if _, err := time.ParseDuration(s.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", s.name, s.value, err)
		}
	}
	for _, b := range []string{a.SuppressionBackend, a.RateLimitBackend} {
		if b != BackendMemory && b != BackendRedis {
			return fmt.Errorf("unsupported backend %q (want memory or redis)", b)
		}
	}
	names := make(map[string]struct{}, len(a.Channels))
	for _, ch := range a.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel of type %q has no name", ch.Type)
		}
		if _, dup := names[ch.Name]; dup {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		names[ch.Name] = struct{}{}
		if ch.Timeout != "" {
			if _, err := time.ParseDuration(ch.Timeout); err != nil {
				return fmt.Errorf("channel %s: invalid timeout %q: %w", ch.Name, ch.Timeout, err)
			}
		}
	}
	for sev, route := range a.SeverityRoutes {
		for _, name := range route {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("severity route %s references unknown channel %q", sev, name)
			}
		}
	}
	return nil
}

// EscalationWindowDuration and ChannelTimeoutDuration are safe after Validate.
func (a AlertingConfig) EscalationWindowDuration() time.Duration {
	d, _ := time.ParseDuration(a.EscalationWindow)
	return d
}

func (a AlertingConfig) ChannelTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(a.ChannelTimeout)
	return d
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
