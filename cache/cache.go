package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goState/kv"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrRedisUnavailable is returned when the cache backend cannot be reached.
var ErrRedisUnavailable = errors.New("redis unavailable")

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Writes the value and records the key under the all-keys set and each tag set.
// Index sets keep the longest TTL of any key they reference.
const setScript = `
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)

local function track(set_key, member)
  redis.call("SADD", set_key, member)
  local current = redis.call("PTTL", set_key)
  if current < ttl then
    redis.call("PEXPIRE", set_key, ttl)
  end
end

track(KEYS[2], KEYS[1])
for i = 4, #KEYS do
  track(KEYS[i], KEYS[1])
  track(KEYS[3], ARGV[i - 1])
end
return 1
`

var setLua = redis.NewScript(setScript)

// KEYS[1] all-keys set, KEYS[2] tag registry; ARGV[1] tag key prefix,
// ARGV[2] number of exact keys, then the exact keys, then the tag names.
const invalidateScript = `
local prefix = ARGV[1]
local exact = tonumber(ARGV[2])
local touched = {}
local count = 0

local function drop(key)
  count = count + redis.call("DEL", key)
  table.insert(touched, key)
  redis.call("SREM", KEYS[1], key)
end

for i = 3, 2 + exact do
  drop(ARGV[i])
end

for i = 3 + exact, #ARGV do
  local tag_key = prefix .. ARGV[i]
  local members = redis.call("SMEMBERS", tag_key)
  for _, key in ipairs(members) do
    drop(key)
  end
  redis.call("DEL", tag_key)
  redis.call("SREM", KEYS[2], ARGV[i])
end

return {count, touched}
`

var invalidateLua = redis.NewScript(invalidateScript)

const invalidateAllScript = `
local prefix = ARGV[1]
local touched = redis.call("SMEMBERS", KEYS[1])
local count = 0
for _, key in ipairs(touched) do
  count = count + redis.call("DEL", key)
end
for _, tag in ipairs(redis.call("SMEMBERS", KEYS[2])) do
  redis.call("DEL", prefix .. tag)
end
redis.call("DEL", KEYS[1], KEYS[2])
return {count, touched}
`

var invalidateAllLua = redis.NewScript(invalidateAllScript)

// Config controls the cache layout and near tier.
type Config struct {
	Prefix     string
	DefaultTTL time.Duration
	// LocalSize bounds the in-process near tier. Zero disables it.
	LocalSize int
	LocalTTL  time.Duration
	// Channel carries evicted keys between instances.
	Channel string
	Logger  logrus.FieldLogger
}

// Stats is a point-in-time copy of cache counters.
type Stats struct {
	Hits      int64
	LocalHits int64
	Misses    int64
	Loads     int64
}

// Cache is a Redis cache whose entries can be invalidated by tag.
type Cache struct {
	redis  redis.UniversalClient
	kv     kv.Store
	config Config
	log    logrus.FieldLogger

	local *expirable.LRU[string, string]
	group singleflight.Group

	mu     sync.Mutex
	pubsub *redis.PubSub

	hits      atomic.Int64
	localHits atomic.Int64
	misses    atomic.Int64
	loads     atomic.Int64
}

// New creates a cache. kvStore serves plain reads; tagged writes and
// invalidations run as scripts on redisClient.
func New(redisClient redis.UniversalClient, kvStore kv.Store, cfg Config) *Cache {
	if cfg.Prefix == "" {
		cfg.Prefix = "cache"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 30 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Prefix + ":evict"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if kvStore == nil {
		kvStore = kv.NewRedisStore(redisClient)
	}

	c := &Cache{
		redis:  redisClient,
		kv:     kvStore,
		config: cfg,
		log:    cfg.Logger.WithField("component", "cache"),
	}
	if cfg.LocalSize > 0 {
		c.local = expirable.NewLRU[string, string](cfg.LocalSize, nil, cfg.LocalTTL)
	}
	return c
}

func (c *Cache) allKey() string {
	return c.config.Prefix + ":keys"
}

func (c *Cache) registryKey() string {
	return c.config.Prefix + ":tags"
}

func (c *Cache) tagPrefix() string {
	return c.config.Prefix + ":tag:"
}

// Get returns the cached value for key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.local != nil {
		if v, ok := c.local.Get(key); ok {
			c.localHits.Add(1)
			return v, true, nil
		}
	}

	v, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		c.misses.Add(1)
		return "", false, nil
	}
	c.hits.Add(1)
	if c.local != nil {
		c.local.Add(key, v)
	}
	return v, true, nil
}

// Set stores value under key and records key under every tag.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	keys := make([]string, 0, 3+len(tags))
	keys = append(keys, key, c.allKey(), c.registryKey())
	args := make([]interface{}, 0, 2+len(tags))
	args = append(args, value, ttl.Milliseconds())
	for _, tag := range tags {
		keys = append(keys, c.tagPrefix()+tag)
		args = append(args, tag)
	}

	if err := setLua.Run(ctx, c.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if c.local != nil {
		c.local.Add(key, value)
	}
	return nil
}

// GetOrLoad returns the cached value or calls load once per key across
// concurrent callers, caching the result under tags.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (string, error), tags ...string) (string, error) {
	if v, ok, err := c.Get(ctx, key); err != nil || ok {
		return v, err
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok, err := c.Get(ctx, key); err != nil || ok {
			return v, err
		}
		c.loads.Add(1)
		loaded, err := load(ctx)
		if err != nil {
			return "", err
		}
		if err := c.Set(ctx, key, loaded, ttl, tags...); err != nil {
			return "", err
		}
		return loaded, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Delete removes exact keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) (int, error) {
	return c.Invalidate(ctx, keys, nil)
}

// InvalidateTags removes every key recorded under the given tags.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	return c.Invalidate(ctx, nil, tags)
}

// Invalidate removes the exact keys and every key recorded under tags in one
// script, and returns how many keys existed.
func (c *Cache) Invalidate(ctx context.Context, keys []string, tags []string) (int, error) {
	if len(keys) == 0 && len(tags) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, 2+len(keys)+len(tags))
	args = append(args, c.tagPrefix(), len(keys))
	for _, k := range keys {
		args = append(args, k)
	}
	for _, t := range tags {
		args = append(args, t)
	}

	result, err := invalidateLua.Run(ctx, c.redis, []string{c.allKey(), c.registryKey()}, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, touched, err := parseInvalidation(result)
	if err != nil {
		return 0, err
	}

	// Keys Redis already expired may still sit in a near tier.
	c.evict(ctx, touched)
	return count, nil
}

// InvalidateAll removes every key this cache has recorded and all tag
// indices. Keys written outside the cache are untouched.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	result, err := invalidateAllLua.Run(ctx, c.redis, []string{c.allKey(), c.registryKey()}, c.tagPrefix()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, touched, err := parseInvalidation(result)
	if err != nil {
		return 0, err
	}
	if c.local != nil {
		c.local.Purge()
	}
	c.publish(ctx, touched)
	return count, nil
}

// TagKeys lists the keys currently recorded under tag.
func (c *Cache) TagKeys(ctx context.Context, tag string) ([]string, error) {
	keys, err := c.redis.SMembers(ctx, c.tagPrefix()+tag).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return keys, nil
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		LocalHits: c.localHits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
	}
}

func (c *Cache) evict(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if c.local != nil {
		for _, k := range keys {
			c.local.Remove(k)
		}
	}
	c.publish(ctx, keys)
}

func (c *Cache) publish(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		c.log.WithError(err).Warn("goState: encode eviction message failed")
		return
	}
	if err := c.redis.Publish(ctx, c.config.Channel, payload).Err(); err != nil {
		c.log.WithError(err).Warn("goState: publish eviction failed")
	}
}

// Subscribe listens for evictions published by other instances and drops
// those keys from the near tier until ctx is done or Close is called.
func (c *Cache) Subscribe(ctx context.Context) error {
	if c.local == nil {
		return nil
	}

	c.mu.Lock()
	if c.pubsub != nil {
		c.mu.Unlock()
		return errors.New("cache: already subscribed")
	}
	pubsub := c.redis.Subscribe(ctx, c.config.Channel)
	c.pubsub = pubsub
	c.mu.Unlock()

	if _, err := pubsub.Receive(ctx); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	go c.receiveLoop(ctx, pubsub)
	return nil
}

func (c *Cache) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var keys []string
			if err := json.Unmarshal([]byte(msg.Payload), &keys); err != nil {
				c.log.WithError(err).Warn("goState: malformed eviction message")
				continue
			}
			for _, k := range keys {
				c.local.Remove(k)
			}
		}
	}
}

// Close stops the eviction subscription.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub == nil {
		return nil
	}
	err := c.pubsub.Close()
	c.pubsub = nil
	return err
}

func parseInvalidation(result interface{}) (int, []string, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, nil, fmt.Errorf("%w: invalid invalidation script response", ErrRedisUnavailable)
	}
	count, ok := parts[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: invalid invalidation count", ErrRedisUnavailable)
	}

	items, _ := parts[1].([]interface{})
	touched := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			touched = append(touched, s)
		}
	}
	return int(count), touched, nil
}
