package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"inkwell/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// bucketLua refills the bucket in KEYS[1] for the time elapsed since its
// last use and takes ARGV[4] tokens if it can.
// Returns {allowed, wait_ms, tokens_left}.
const bucketLua = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000.0)
end

local wait = 0
local ok = 0
if tokens >= cost then
  tokens = tokens - cost
  ok = 1
else
  wait = math.ceil((cost - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {ok, wait, math.floor(tokens)}
`

// RateLimiter is a token bucket kept in Redis so every API and worker
// process shares it. Acquire waits on the limiter's own bucket; Allow
// checks a bucket per caller key without waiting.
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter refills rate tokens per second up to burst. A
// non-positive rate or burst disables limiting.
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = "inkwell:ratelimit:default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(bucketLua),
	}
}

func (r *RateLimiter) disabled() bool {
	return r == nil || r.rate <= 0 || r.burst <= 0
}

// Acquire blocks until a token is available on the limiter's key or ctx ends.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.disabled() {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		ok, wait, err := r.take(ctx, r.key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += rand.N(jitterMax)
		r.logger.Debug("rate limit wait", slog.String("key", r.key), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

// Allow takes one token from the bucket named key without waiting. When the
// bucket is empty it returns false and the time until the next token.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if r.disabled() {
		return true, 0, nil
	}
	return r.take(ctx, r.key+":"+key)
}

func (r *RateLimiter) take(ctx context.Context, key string) (bool, time.Duration, error) {
	// An idle bucket is full again after burst/rate seconds; keep it twice that.
	ttl := int64(r.burst / r.rate * 2000)
	if ttl < 1000 {
		ttl = 1000
	}
	res, err := r.script.Run(ctx, r.rdb, []string{key}, r.rate, r.burst, time.Now().UnixMilli(), 1, ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("ratelimit %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
