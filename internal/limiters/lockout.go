package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The expiry is armed only when the post-increment value is 1, so later
// failures inside the window never push it forward.
const recordFailureScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// DefaultFailureWindow is used when a caller passes a non-positive window.
const DefaultFailureWindow = time.Hour

// LockoutConfig holds configuration for the failed-attempt limiter.
type LockoutConfig struct {
	Prefix    string
	Threshold int
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// LockoutLimiter counts failed authentication attempts per identifier.
type LockoutLimiter struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockoutLimiter creates a new lockout limiter.
func NewLockoutLimiter(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "fa"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	return &LockoutLimiter{redis: redisClient, config: cfg}
}

func (l *LockoutLimiter) key(identifier string) string {
	return l.config.Prefix + ":" + identifier
}

// RecordFailure increments the failure counter for identifier and returns the
// post-increment count.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, identifier string, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultFailureWindow
	}

	count, err := recordFailureLua.Run(ctx, l.redis, []string{l.key(identifier)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}

// Count returns the current failure count for identifier.
func (l *LockoutLimiter) Count(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}

// Blocked reports whether identifier has reached maxAttempts failures. A
// non-positive maxAttempts falls back to the configured threshold.
func (l *LockoutLimiter) Blocked(ctx context.Context, identifier string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = l.config.Threshold
	}
	count, err := l.Count(ctx, identifier)
	if err != nil {
		return false, err
	}
	return count >= maxAttempts, nil
}

// Reset clears the failure counter (after a successful login or manual unlock).
func (l *LockoutLimiter) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// TTL reports how long the current failure window has left. Zero means no
// window is open.
func (l *LockoutLimiter) TTL(ctx context.Context, identifier string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, l.key(identifier)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
