package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the session backend cannot be reached.
var ErrRedisUnavailable = errors.New("redis unavailable")

// DefaultTTL is the sliding lifetime of a session record.
const DefaultTTL = 24 * time.Hour

// Re-arms a live record only. A concurrent delete must not be resurrected into
// the indices by a late read.
const touchSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
return 1
`

var touchSessionLua = redis.NewScript(touchSessionScript)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

const deletePrincipalScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local deleted = 0
for _, id in ipairs(ids) do
  deleted = deleted + redis.call("DEL", ARGV[1] .. id)
  redis.call("ZREM", KEYS[2], id)
end
redis.call("DEL", KEYS[1])
return deleted
`

var deletePrincipalLua = redis.NewScript(deletePrincipalScript)

// Config controls key layout and lifetime for a [Store].
type Config struct {
	Prefix string
	TTL    time.Duration
	// Now overrides the wall clock used for LastActivity and index scores.
	Now func() time.Time
}

// Store persists sessions in Redis.
//
// Keys: "<prefix>:s:<sid>" holds the encoded record, "<prefix>:p:<principal>" is
// the principal's SET of session ids, and "<prefix>:active" is a ZSET of
// session ids scored by expiry in Unix milliseconds.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a session store.
func NewStore(redisClient redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "ss"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		redis:  redisClient,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
}

// TTL returns the sliding lifetime applied on save and on every read.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) principalKey(principalID string) string {
	return s.prefix + ":p:" + principalID
}

func (s *Store) activeKey() string {
	return s.prefix + ":active"
}

// Save writes sess with a fresh TTL and adds it to the principal and active
// indices in one MULTI.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	principalKey := s.principalKey(sess.PrincipalID)
	expiresAt := s.now().Add(s.ttl).UnixMilli()

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, s.ttl)
		pipe.SAdd(ctx, principalKey, sess.SessionID)
		pipe.PExpire(ctx, principalKey, s.ttl)
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(expiresAt), Member: sess.SessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the session and slides its expiry, updating LastActivity.
// A missing session yields (nil, nil).
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.GetReadOnly(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}

	now := s.now()
	sess.LastActivity = now.UnixMilli()
	sess.SchemaVersion = CurrentSchemaVersion
	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}

	touched, err := touchSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.principalKey(sess.PrincipalID), s.activeKey()},
		data,
		s.ttl.Milliseconds(),
		now.Add(s.ttl).UnixMilli(),
		sessionID,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if touched == 0 {
		return nil, nil
	}
	return sess, nil
}

// GetReadOnly returns the session without touching its TTL.
func (s *Store) GetReadOnly(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID
	return sess, nil
}

// Delete removes the session and both index edges. It reports whether a
// record existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.GetReadOnly(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		// Still drop a dangling active-index entry.
		if err := s.redis.ZRem(ctx, s.activeKey(), sessionID).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return false, nil
	}

	existed, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.principalKey(sess.PrincipalID), s.activeKey()},
		sessionID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return existed == 1, nil
}

// DeleteAllForPrincipal removes every session in the principal's index and the
// index itself, returning how many records were deleted.
func (s *Store) DeleteAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	deleted, err := deletePrincipalLua.Run(
		ctx,
		s.redis,
		[]string{s.principalKey(principalID), s.activeKey()},
		s.prefix+":s:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(deleted), nil
}

// PrincipalSessionIDs lists the principal's live session ids in sorted order.
// Ids whose record has expired are pruned from the index.
func (s *Store) PrincipalSessionIDs(ctx context.Context, principalID string) ([]string, error) {
	principalKey := s.principalKey(principalID)

	ids, err := s.redis.SMembers(ctx, principalKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		existsCmds[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	live := make([]string, 0, len(ids))
	var dangling []interface{}
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			live = append(live, ids[i])
			continue
		}
		dangling = append(dangling, ids[i])
	}

	if len(dangling) > 0 {
		if err := s.redis.SRem(ctx, principalKey, dangling...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	sort.Strings(live)
	return live, nil
}

// ActiveCount returns the number of unexpired sessions, pruning expired
// entries from the active index first.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var card *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, s.activeKey(), "-inf", strconv.FormatInt(s.now().UnixMilli(), 10))
		card = pipe.ZCard(ctx, s.activeKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(card.Val()), nil
}

// Ping measures a Redis round trip.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
