package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter admits at most one delivery of the same key per interval. Allow
// reserves the key; Release gives the reservation back after a failed delivery
// so a retry is not rejected.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
	Close()
}

// MessageKey identifies a message by title and body.
func MessageKey(title, message string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + message))
	return hex.EncodeToString(sum[:])
}

// MemoryRateLimiter remembers recently sent messages in a TTL cache. Expired
// entries are dropped on Allow, so no janitor goroutine is started.
type MemoryRateLimiter struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewMemoryRateLimiter(interval time.Duration) *MemoryRateLimiter {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](interval),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &MemoryRateLimiter{cache: cache}
}

// Allow records key and reports whether it was absent or expired.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string) bool {
	l.cache.DeleteExpired()
	_, found := l.cache.GetOrSet(key, struct{}{})
	return !found
}

func (l *MemoryRateLimiter) Release(_ context.Context, key string) { l.cache.Delete(key) }

func (l *MemoryRateLimiter) Close() { l.cache.DeleteAll() }

const redisRateLimitPrefix = "riskalert:ratelimit:"

// RedisRateLimiter shares the limit across instances with SET NX PX.
type RedisRateLimiter struct {
	rdb      *redis.Client
	interval time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, interval time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, interval: interval}
}

// Allow fails open: when Redis is unreachable the message is delivered.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	ok, err := l.rdb.SetNX(ctx, redisRateLimitPrefix+key, time.Now().Unix(), l.interval).Result()
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing message")
		return true
	}
	return ok
}

func (l *RedisRateLimiter) Release(ctx context.Context, key string) {
	if err := l.rdb.Del(ctx, redisRateLimitPrefix+key).Err(); err != nil {
		log.Warn().Err(err).Msg("rate limiter release failed")
	}
}

func (l *RedisRateLimiter) Close() {}

// noLimit is used when the interval is zero.
type noLimit struct{}

func (noLimit) Allow(context.Context, string) bool { return true }
func (noLimit) Release(context.Context, string) {}
func (noLimit) Close() {}
