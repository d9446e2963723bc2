package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the presence backend cannot be reached.
var ErrRedisUnavailable = errors.New("redis unavailable")

// DefaultTTL bounds how long presence state outlives a missed disconnect.
const DefaultTTL = 24 * time.Hour

const leaveRoomScript = `
local removed = redis.call("SREM", KEYS[1], ARGV[1])
local emptied = 0
if redis.call("SCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
  redis.call("ZREM", KEYS[3], ARGV[2])
  emptied = removed
end
redis.call("SREM", KEYS[2], ARGV[2])
return {removed, emptied}
`

var leaveRoomLua = redis.NewScript(leaveRoomScript)

const removeConnectionScript = `
local existed = redis.call("EXISTS", KEYS[1])
local rooms = redis.call("SMEMBERS", KEYS[2])
local emptied = {}
for _, room in ipairs(rooms) do
  local room_key = ARGV[2] .. room
  redis.call("SREM", room_key, ARGV[1])
  if redis.call("SCARD", room_key) == 0 then
    redis.call("DEL", room_key)
    redis.call("ZREM", KEYS[4], room)
    table.insert(emptied, room)
  end
end
if ARGV[3] == "1" then
  redis.call("SREM", KEYS[5], ARGV[1])
end
redis.call("DEL", KEYS[1], KEYS[2])
redis.call("ZREM", KEYS[3], ARGV[1])
return {existed, rooms, emptied}
`

var removeConnectionLua = redis.NewScript(removeConnectionScript)

const touchConnectionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local ttl = ARGV[2]
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
redis.call("PEXPIRE", KEYS[2], ttl)
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
if ARGV[6] == "1" then
  redis.call("PEXPIRE", KEYS[5], ttl)
end
local rooms = redis.call("SMEMBERS", KEYS[2])
for _, room in ipairs(rooms) do
  if redis.call("PEXPIRE", ARGV[5] .. room, ttl) == 1 then
    redis.call("ZADD", KEYS[4], ARGV[3], room)
  end
end
return 1
`

var touchConnectionLua = redis.NewScript(touchConnectionScript)

// Config controls key layout and lifetime for a [Registry].
type Config struct {
	Prefix string
	TTL    time.Duration
	Now    func() time.Time
}

// Registry is the Redis-backed connection and room registry.
type Registry struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry creates a presence registry.
func NewRegistry(redisClient redis.UniversalClient, cfg Config) *Registry {
	if cfg.Prefix == "" {
		cfg.Prefix = "rt"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		redis:  redisClient,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
}

func (r *Registry) connKey(connectionID string) string {
	return r.prefix + ":c:" + connectionID
}

func (r *Registry) connRoomsKey(connectionID string) string {
	return r.prefix + ":cr:" + connectionID
}

func (r *Registry) principalKey(principalID string) string {
	return r.prefix + ":p:" + principalID
}

func (r *Registry) roomPrefix() string {
	return r.prefix + ":r:"
}

func (r *Registry) roomKey(roomID string) string {
	return r.roomPrefix() + roomID
}

func (r *Registry) activeKey() string {
	return r.prefix + ":active"
}

func (r *Registry) roomsKey() string {
	return r.prefix + ":rooms"
}

// Register writes a connection record and, when principalID is set, adds the
// connection to the principal's index.
func (r *Registry) Register(ctx context.Context, connectionID, principalID string, meta *Metadata) (*Connection, error) {
	now := r.now()
	conn := &Connection{
		ConnectionID: connectionID,
		PrincipalID:  principalID,
		ConnectedAt:  now.UnixMilli(),
		LastActivity: now.UnixMilli(),
		Metadata:     meta,
	}
	data, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}

	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.connKey(connectionID), data, r.ttl)
		pipe.ZAdd(ctx, r.activeKey(), redis.Z{Score: float64(now.Add(r.ttl).UnixMilli()), Member: connectionID})
		if principalID != "" {
			pipe.SAdd(ctx, r.principalKey(principalID), connectionID)
			pipe.PExpire(ctx, r.principalKey(principalID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return conn, nil
}

// Get returns the connection record, or (nil, nil) when absent.
func (r *Registry) Get(ctx context.Context, connectionID string) (*Connection, error) {
	data, err := r.redis.Get(ctx, r.connKey(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Remove drops the connection from every room it joined and from its
// principal's index, then deletes the record.
func (r *Registry) Remove(ctx context.Context, connectionID string) (Removal, error) {
	conn, err := r.Get(ctx, connectionID)
	if err != nil {
		return Removal{}, err
	}

	principalKey := r.principalKey("")
	hasPrincipal := "0"
	if conn != nil && conn.PrincipalID != "" {
		principalKey = r.principalKey(conn.PrincipalID)
		hasPrincipal = "1"
	}

	result, err := removeConnectionLua.Run(
		ctx,
		r.redis,
		[]string{r.connKey(connectionID), r.connRoomsKey(connectionID), r.activeKey(), r.roomsKey(), principalKey},
		connectionID,
		r.roomPrefix(),
		hasPrincipal,
	).Result()
	if err != nil {
		return Removal{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 3 {
		return Removal{}, fmt.Errorf("%w: invalid remove script response", ErrRedisUnavailable)
	}
	existed, ok := parts[0].(int64)
	if !ok {
		return Removal{}, fmt.Errorf("%w: invalid remove script status", ErrRedisUnavailable)
	}

	removal := Removal{
		Existed:      existed == 1,
		Rooms:        stringSlice(parts[1]),
		EmptiedRooms: stringSlice(parts[2]),
	}
	sort.Strings(removal.Rooms)
	sort.Strings(removal.EmptiedRooms)
	return removal, nil
}

// Join adds the membership edge in both directions. It reports whether the
// connection was newly added to the room.
func (r *Registry) Join(ctx context.Context, connectionID, roomID string) (bool, error) {
	ttlAt := float64(r.now().Add(r.ttl).UnixMilli())

	var added *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, r.roomKey(roomID), connectionID)
		pipe.PExpire(ctx, r.roomKey(roomID), r.ttl)
		pipe.SAdd(ctx, r.connRoomsKey(connectionID), roomID)
		pipe.PExpire(ctx, r.connRoomsKey(connectionID), r.ttl)
		pipe.ZAdd(ctx, r.roomsKey(), redis.Z{Score: ttlAt, Member: roomID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return added.Val() == 1, nil
}

// Leave removes the membership edge in both directions and deletes the room
// when it becomes empty. It reports whether the connection was a member and
// whether the room was deleted.
func (r *Registry) Leave(ctx context.Context, connectionID, roomID string) (left bool, emptied bool, err error) {
	result, err := leaveRoomLua.Run(
		ctx,
		r.redis,
		[]string{r.roomKey(roomID), r.connRoomsKey(connectionID), r.roomsKey()},
		connectionID,
		roomID,
	).Result()
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return false, false, fmt.Errorf("%w: invalid leave script response", ErrRedisUnavailable)
	}
	removed, _ := parts[0].(int64)
	wasEmptied, _ := parts[1].(int64)
	return removed == 1, wasEmptied == 1, nil
}

// GetRoom returns the room and its raw member list, or (nil, nil) when the
// room does not exist.
func (r *Registry) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	members, err := r.redis.SMembers(ctx, r.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)
	return &Room{RoomID: roomID, Connections: members}, nil
}

// ConnectionRooms lists the rooms a connection has joined.
func (r *Registry) ConnectionRooms(ctx context.Context, connectionID string) ([]string, error) {
	rooms, err := r.redis.SMembers(ctx, r.connRoomsKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// PrincipalConnections lists the principal's live connections. Ids whose
// record is gone are pruned from the index.
func (r *Registry) PrincipalConnections(ctx context.Context, principalID string) ([]*Connection, error) {
	key := r.principalKey(principalID)
	ids, err := r.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	conns, dangling, err := r.loadConnections(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(dangling) > 0 {
		members := make([]interface{}, len(dangling))
		for i, id := range dangling {
			members[i] = id
		}
		if err := r.redis.SRem(ctx, key, members...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return conns, nil
}

// RoomConnections lists the room's live member connections. Dangling members
// are removed from the room, which deletes it if none remain.
func (r *Registry) RoomConnections(ctx context.Context, roomID string) ([]*Connection, error) {
	ids, err := r.redis.SMembers(ctx, r.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	conns, dangling, err := r.loadConnections(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range dangling {
		if _, _, err := r.Leave(ctx, id, roomID); err != nil {
			return nil, err
		}
	}
	return conns, nil
}

// Touch records activity on a live connection and re-arms the TTL of its
// record, its indices and its rooms. It reports false when the connection is
// unknown.
func (r *Registry) Touch(ctx context.Context, connectionID string) (bool, error) {
	conn, err := r.Get(ctx, connectionID)
	if err != nil || conn == nil {
		return false, err
	}

	now := r.now()
	conn.LastActivity = now.UnixMilli()
	data, err := json.Marshal(conn)
	if err != nil {
		return false, err
	}

	hasPrincipal := "0"
	if conn.PrincipalID != "" {
		hasPrincipal = "1"
	}

	touched, err := touchConnectionLua.Run(
		ctx,
		r.redis,
		[]string{
			r.connKey(connectionID),
			r.connRoomsKey(connectionID),
			r.activeKey(),
			r.roomsKey(),
			r.principalKey(conn.PrincipalID),
		},
		data,
		r.ttl.Milliseconds(),
		now.Add(r.ttl).UnixMilli(),
		connectionID,
		r.roomPrefix(),
		hasPrincipal,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return touched == 1, nil
}

// ActiveCount returns the number of connections whose TTL has not lapsed.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	var card *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.activeKey(), "-inf", r.nowScore())
		card = pipe.ZCard(ctx, r.activeKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(card.Val()), nil
}

// ActiveRooms lists rooms with at least one member, sorted by id.
func (r *Registry) ActiveRooms(ctx context.Context) ([]string, error) {
	var rooms *redis.StringSliceCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.roomsKey(), "-inf", r.nowScore())
		rooms = pipe.ZRange(ctx, r.roomsKey(), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	out := rooms.Val()
	sort.Strings(out)
	return out, nil
}

func (r *Registry) nowScore() string {
	return strconv.FormatInt(r.now().UnixMilli(), 10)
}

func (r *Registry) loadConnections(ctx context.Context, ids []string) ([]*Connection, []string, error) {
	if len(ids) == 0 {
		return []*Connection{}, nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.connKey(id)
	}
	values, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	conns := make([]*Connection, 0, len(ids))
	var dangling []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		var conn Connection
		if err := json.Unmarshal([]byte(raw), &conn); err != nil {
			return nil, nil, err
		}
		conns = append(conns, &conn)
	}
	return conns, dangling, nil
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
