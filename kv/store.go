// Package kv defines the TTL key-value contract the ephemeral-state
// components share, with a go-redis implementation.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is a TTL key-value store. Absent and expired keys are
// indistinguishable: Get reports ok=false for both.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set overwrites key. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetEx(ctx context.Context, key string, seconds int, value string) error
	Del(ctx context.Context, keys ...string) (int, error)
	Incr(ctx context.Context, key string) (int64, error)
	// MGet returns only the keys that are present.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error
}

// RedisStore implements [Store] over a go-redis client.
type RedisStore struct {
	redis redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps redisClient. The cache uses it for plain reads; the
// limiters and registries script Redis directly.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Get reads key. A missing or expired key returns ok=false and a nil error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// Set writes key with ttl. A negative ttl is treated as zero, which stores
// the value without expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetEx writes key to expire after seconds. Non-positive seconds are
// rejected before reaching Redis.
func (s *RedisStore) SetEx(ctx context.Context, key string, seconds int, value string) error {
	if seconds <= 0 {
		return fmt.Errorf("invalid expire time %d", seconds)
	}
	if err := s.redis.SetEx(ctx, key, value, time.Duration(seconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Del removes keys and returns how many existed.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// Incr atomically increments key, creating it at 1 when absent. The key
// keeps whatever expiry it already had.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// MGet reads keys in one round trip. Missing keys are left out of the map.
func (s *RedisStore) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

// MSet writes all pairs in one MULTI so a ttl applies to every key or none.
func (s *RedisStore) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	if len(pairs) == 0 {
		return nil
	}
	if ttl < 0 {
		ttl = 0
	}
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range pairs {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
