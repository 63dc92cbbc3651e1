package tracker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SuppressionManager mutes rules for a fixed window after a suppress action.
type SuppressionManager interface {
	IsSuppressed(ctx context.Context, ruleID string) bool
	Suppress(ctx context.Context, ruleID string, d time.Duration)
	ActiveCount(ctx context.Context) int
}

// MemorySuppressor keeps expiry timestamps in process memory.
type MemorySuppressor struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     Clock
}

func NewMemorySuppressor(now Clock) *MemorySuppressor {
	if now == nil {
		now = time.Now
	}
	return &MemorySuppressor{entries: make(map[string]time.Time), now: now}
}

// IsSuppressed is true while now < expiry; expired entries are removed on lookup.
func (s *MemorySuppressor) IsSuppressed(_ context.Context, ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[ruleID]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.entries, ruleID)
		return false
	}
	return true
}

func (s *MemorySuppressor) Suppress(_ context.Context, ruleID string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ruleID] = s.now().Add(d)
}

func (s *MemorySuppressor) ActiveCount(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, exp := range s.entries {
		if now.Before(exp) {
			n++
		} else {
			delete(s.entries, id)
		}
	}
	return n
}

const suppressKeyPrefix = "riskalert:suppress:"

// RedisSuppressor stores suppression windows as Redis keys whose TTL is the window,
// so several engine instances share one view.
type RedisSuppressor struct {
	redis *redis.Client
	now   Clock
}

func NewRedisSuppressor(rdb *redis.Client, now Clock) *RedisSuppressor {
	if now == nil {
		now = time.Now
	}
	return &RedisSuppressor{redis: rdb, now: now}
}

// IsSuppressed treats Redis failures as "not suppressed" so a cache outage never mutes alerts.
func (s *RedisSuppressor) IsSuppressed(ctx context.Context, ruleID string) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, suppressKeyPrefix+ruleID).Result()
	if err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("redis suppression lookup failed")
		return false
	}
	return n > 0
}

func (s *RedisSuppressor) Suppress(ctx context.Context, ruleID string, d time.Duration) {
	if s.redis == nil || d <= 0 {
		return
	}
	expiry := s.now().Add(d).UnixMilli()
	if err := s.redis.Set(ctx, suppressKeyPrefix+ruleID, strconv.FormatInt(expiry, 10), d).Err(); err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Dur("window", d).Msg("redis suppress failed")
	}
}

func (s *RedisSuppressor) ActiveCount(ctx context.Context) int {
	if s.redis == nil {
		return 0
	}
	n := 0
	iter := s.redis.Scan(ctx, 0, suppressKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Msg("redis suppression scan failed")
	}
	return n
}
