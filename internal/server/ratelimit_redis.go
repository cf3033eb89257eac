// -------------------------------------------------------------------------------
// Redis Rate Limiter - Shared Token Buckets
//
// Author: Alex Freidah
//
// Token buckets stored in Redis so every replica draws from the same per-IP
// budget. A Lua script refills and debits the bucket atomically. Redis errors
// fail open: the request is allowed and the error is counted, since losing
// redirects to a limiter outage is worse than briefly unthrottled traffic.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// redisCallTimeout bounds each limiter round trip.
const redisCallTimeout = 50 * time.Millisecond

// KEYS[1]: bucket hash
// ARGV[1]: capacity
// ARGV[2]: refill rate (tokens per second)
// ARGV[3]: now (unix milliseconds)
//
// Returns 1 when a token was taken, 0 otherwise.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)
return allowed
`

// RedisRateLimiter shares per-IP token buckets through Redis.
type RedisRateLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string

	mu    sync.RWMutex
	rate  float64
	burst int
}

// NewRedisRateLimiter creates a limiter backed by the configured Redis.
// Connection errors surface on the first Allow and fail open.
func NewRedisRateLimiter(cfg config.RateLimitConfig) *RedisRateLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  redisCallTimeout,
		WriteTimeout: redisCallTimeout,
		MaxRetries:   1,
	})
	return &RedisRateLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: cfg.Redis.Prefix,
		rate:   cfg.RequestsPerSec,
		burst:  cfg.Burst,
	}
}

// Allow takes a token from the shared bucket for key.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	rl.mu.RLock()
	ratePerSec, burst := rl.rate, rl.burst
	rl.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	allowed, err := rl.script.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		burst, ratePerSec, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		telemetry.RateLimitErrorsTotal.Inc()
		slog.DebugContext(ctx, "Shared rate limiter unavailable, allowing request", "error", err)
		return true
	}
	return allowed == 1
}

// UpdateLimits changes the rate and burst used for subsequent checks.
func (rl *RedisRateLimiter) UpdateLimits(requestsPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rate = requestsPerSec
	rl.burst = burst
}

// Close releases the Redis connection pool.
func (rl *RedisRateLimiter) Close() {
	if err := rl.client.Close(); err != nil {
		slog.Debug("Failed to close rate limiter client", "error", err)
	}
}
