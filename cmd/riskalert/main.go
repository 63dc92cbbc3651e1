package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/riskalert/internal/alerting/api"
	adb "github.com/qiniu/riskalert/internal/alerting/database"
	"github.com/qiniu/riskalert/internal/alerting/metrics"
	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/alerting/service/alertsvc"
	"github.com/qiniu/riskalert/internal/alerting/service/engine"
	"github.com/qiniu/riskalert/internal/alerting/service/notify"
	"github.com/qiniu/riskalert/internal/alerting/service/ruleset"
	"github.com/qiniu/riskalert/internal/alerting/service/tracker"
	"github.com/qiniu/riskalert/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Msg("Starting riskalert")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.Check{}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var store ruleset.Store
	if cfg.Database.Enabled {
		db, derr := adb.New(ctx, cfg.Database.DSN())
		if derr != nil {
			log.Fatal().Err(derr).Msg("rule store init failed")
		}
		defer db.Close()
		pg := ruleset.NewPgStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("rule store schema init failed")
		}
		store = pg
		checks["database"] = db.Ping
	}

	collector := metrics.New(prometheus.DefaultRegisterer)

	var suppressor tracker.SuppressionManager
	if cfg.Alerting.SuppressionBackend == config.BackendRedis {
		suppressor = tracker.NewRedisSuppressor(rdb, nil)
	} else {
		suppressor = tracker.NewMemorySuppressor(nil)
	}

	eng := engine.New(
		engine.WithConfig(engine.Config{
			EscalationThreshold:      cfg.Alerting.EscalationThreshold,
			EscalationWindow:         cfg.Alerting.EscalationWindowDuration(),
			AggregationWindow:        time.Duration(cfg.Alerting.DeduplicationWindowSeconds) * time.Second,
			DefaultSuppressionWindow: time.Duration(cfg.Alerting.SuppressionWindowSecondsDefault) * time.Second,
		}),
		engine.WithRuleManager(ruleset.NewManager(store, nil)),
		engine.WithSuppressor(suppressor),
		engine.WithMetrics(collector),
	)

	channels, err := notify.BuildChannels(cfg.Alerting.Channels, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("build notification channels failed")
	}
	rateInterval := time.Duration(cfg.Alerting.MessageRateLimitSeconds) * time.Second
	dispatchOpts := []notify.Option{notify.WithMetrics(collector)}
	if cfg.Alerting.RateLimitBackend == config.BackendRedis && rateInterval > 0 {
		dispatchOpts = append(dispatchOpts, notify.WithRateLimiter(notify.NewRedisRateLimiter(rdb, rateInterval)))
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		ChannelTimeout:    cfg.Alerting.ChannelTimeoutDuration(),
		RateLimitInterval: rateInterval,
		MaxHistory:        cfg.Alerting.MaxNotificationHistory,
		SeverityRoutes:    severityRoutes(cfg.Alerting.SeverityRoutes),
	}, channels, dispatchOpts...)
	defer dispatcher.Close()

	svc := alertsvc.New(eng, dispatcher)
	if err := svc.Bootstrap(ctx, cfg.Alerting.RulesFile); err != nil {
		log.Fatal().Err(err).Msg("bootstrap rules failed")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewOpsAPI(router, prometheus.DefaultGatherer, checks)
	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router}
	go func() {
		log.Info().Msgf("Starting ops server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
			stop()
		}
	}()

	go func() {
		if err := consume(ctx, svc, os.Stdin, os.Stdout); err != nil {
			log.Error().Err(err).Msg("read alert contexts failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown")
	}
	stats := svc.GetAlertStatistics(shutdownCtx)
	log.Info().
		Int64("triggered", stats.TotalTriggered).
		Int64("sent", stats.TotalSent).
		Int64("suppressed", stats.TotalSuppressed).
		Int64("rate_limited", stats.TotalRateLimited).
		Int64("escalated", stats.TotalEscalated).
		Msg("riskalert exit...")
}

// consume reads one alert context per line from r, processes it and writes the
// outcome to w as a JSON line. Malformed lines are logged and skipped.
func consume(ctx context.Context, svc *alertsvc.Service, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ac model.AlertContext
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&ac); err != nil {
			log.Warn().Err(err).Msg("skip malformed alert context")
			continue
		}
		if ac.Timestamp.IsZero() {
			ac.Timestamp = time.Now().UTC()
		}
		if err := enc.Encode(svc.ProcessScored(ctx, &ac)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func needsRedis(cfg *config.Config) bool {
	if cfg.Alerting.SuppressionBackend == config.BackendRedis || cfg.Alerting.RateLimitBackend == config.BackendRedis {
		return true
	}
	for _, ch := range cfg.Alerting.Channels {
		if ch.Type == "redis" {
			return true
		}
	}
	return false
}

func severityRoutes(in map[string][]string) map[model.Severity][]string {
	out := make(map[model.Severity][]string, len(in))
	for sev, names := range in {
		out[model.Severity(strings.ToLower(sev))] = names
	}
	return out
}
