package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const allowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local lapsed = 0
if count >= limit then
  local oldest = tonumber(redis.call("GET", KEYS[2]) or "0")
  if oldest > 0 and now - oldest < window then
    return {0, count, oldest + window, 0}
  end
  count = 0
  lapsed = 1
end

count = count + 1
redis.call("SET", KEYS[1], count, "PX", window)
if count == 1 then
  redis.call("SET", KEYS[2], now, "PX", window)
end
return {1, count, now + window, lapsed}
`

var allowLua = redis.NewScript(allowScript)

// Config holds limiter key layout settings.
type Config struct {
	Prefix string
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the number of admitted requests in the current window, including
	// this one when Allowed is true.
	Count   int
	ResetAt time.Time
	// Lapsed reports that the window had expired without its keys expiring and was
	// restarted by this call.
	Lapsed bool
}

// Limiter evaluates fixed windows stored in Redis.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

// Allow admits or denies one request for key against a window of the given
// length and capacity, evaluated at now.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Decision, error) {
	if window < time.Millisecond || max <= 0 {
		return Decision{}, ErrInvalidWindow
	}

	result, err := allowLua.Run(
		ctx,
		l.redis,
		[]string{l.countKey(key), l.anchorKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		max,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 4 {
		return Decision{}, fmt.Errorf("%w: invalid rate script response", ErrRedisUnavailable)
	}
	values := make([]int64, len(parts))
	for i, part := range parts {
		v, ok := part.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("%w: invalid rate script field %d", ErrRedisUnavailable, i)
		}
		values[i] = v
	}

	return Decision{
		Allowed: values[0] == 1,
		Count:   int(values[1]),
		ResetAt: time.UnixMilli(values[2]),
		Lapsed:  values[3] == 1,
	}, nil
}

// Reset deletes both bookkeeping keys of the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.countKey(key), l.anchorKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Count returns the admitted-request count of the current window without
// consuming capacity. Missing keys read as zero.
func (l *Limiter) Count(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.countKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) countKey(key string) string {
	return l.prefix + ":{" + key + "}"
}

func (l *Limiter) anchorKey(key string) string {
	return l.prefix + ":{" + key + "}:ts"
}
