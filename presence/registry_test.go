package presence

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistryTest(t *testing.T) (*Registry, *miniredis.Miniredis, *testClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	reg := NewRegistry(rdb, Config{TTL: time.Hour, Now: clock.Now})
	return reg, mr, clock, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func connectionIDs(conns []*Connection) []string {
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ConnectionID
	}
	return ids
}

func TestRegisterAndGet(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	meta := &Metadata{IP: "198.51.100.7", UserAgent: "ws-test", RoomHint: "lobby"}
	if _, err := reg.Register(ctx, "c1", "p1", meta); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn, err := reg.Get(ctx, "c1")
	if err != nil || conn == nil {
		t.Fatalf("get: %v %v", conn, err)
	}
	if conn.PrincipalID != "p1" || conn.ConnectedAt != clock.Now().UnixMilli() {
		t.Fatalf("unexpected record %+v", conn)
	}
	if conn.Metadata == nil || conn.Metadata.RoomHint != "lobby" {
		t.Fatalf("metadata lost: %+v", conn.Metadata)
	}

	missing, err := reg.Get(ctx, "c404")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing connection, got %v %v", missing, err)
	}
}

func TestRoomMembershipSymmetry(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c1", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	added, err := reg.Join(ctx, "c1", "r1")
	if err != nil || !added {
		t.Fatalf("join: added=%v err=%v", added, err)
	}
	added, err = reg.Join(ctx, "c1", "r1")
	if err != nil || added {
		t.Fatalf("second join should be a no-op: added=%v err=%v", added, err)
	}

	conns, err := reg.RoomConnections(ctx, "r1")
	if err != nil {
		t.Fatalf("room connections: %v", err)
	}
	if !reflect.DeepEqual(connectionIDs(conns), []string{"c1"}) {
		t.Fatalf("expected c1 in room, got %v", connectionIDs(conns))
	}
	rooms, err := reg.ConnectionRooms(ctx, "c1")
	if err != nil || !reflect.DeepEqual(rooms, []string{"r1"}) {
		t.Fatalf("expected reverse edge, got %v err=%v", rooms, err)
	}

	left, emptied, err := reg.Leave(ctx, "c1", "r1")
	if err != nil || !left || !emptied {
		t.Fatalf("leave: left=%v emptied=%v err=%v", left, emptied, err)
	}

	room, err := reg.GetRoom(ctx, "r1")
	if err != nil || room != nil {
		t.Fatalf("expected room gone after last member left, got %v err=%v", room, err)
	}
	if mr.Exists(reg.roomKey("r1")) {
		t.Fatal("expected room key deleted")
	}
	rooms, err = reg.ConnectionRooms(ctx, "c1")
	if err != nil || len(rooms) != 0 {
		t.Fatalf("expected reverse edge removed, got %v err=%v", rooms, err)
	}
	active, err := reg.ActiveRooms(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active rooms, got %v err=%v", active, err)
	}
}

func TestLeaveKeepsRoomWithRemainingMembers(t *testing.T) {
	reg, _, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if _, err := reg.Register(ctx, id, "", nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := reg.Join(ctx, id, "r1"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	left, emptied, err := reg.Leave(ctx, "c1", "r1")
	if err != nil || !left || emptied {
		t.Fatalf("leave: left=%v emptied=%v err=%v", left, emptied, err)
	}

	room, err := reg.GetRoom(ctx, "r1")
	if err != nil || room == nil {
		t.Fatalf("expected room to survive, got %v err=%v", room, err)
	}
	if !reflect.DeepEqual(room.Connections, []string{"c2"}) {
		t.Fatalf("unexpected members %v", room.Connections)
	}

	// Leaving a room the connection is not in still clears the reverse edge.
	left, _, err = reg.Leave(ctx, "c1", "r1")
	if err != nil || left {
		t.Fatalf("second leave: left=%v err=%v", left, err)
	}
}

func TestRemoveConnectionCleansAllEdges(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c", "p", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, "other", "", nil); err != nil {
		t.Fatalf("register other: %v", err)
	}
	for _, room := range []string{"r1", "r2"} {
		if _, err := reg.Join(ctx, "c", room); err != nil {
			t.Fatalf("join %s: %v", room, err)
		}
	}
	if _, err := reg.Join(ctx, "other", "r2"); err != nil {
		t.Fatalf("join other: %v", err)
	}

	removal, err := reg.Remove(ctx, "c")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removal.Existed {
		t.Fatal("expected removal to report an existing record")
	}
	if !reflect.DeepEqual(removal.Rooms, []string{"r1", "r2"}) {
		t.Fatalf("unexpected rooms %v", removal.Rooms)
	}
	if !reflect.DeepEqual(removal.EmptiedRooms, []string{"r1"}) {
		t.Fatalf("unexpected emptied rooms %v", removal.EmptiedRooms)
	}

	conns, err := reg.PrincipalConnections(ctx, "p")
	if err != nil || len(conns) != 0 {
		t.Fatalf("expected principal index empty, got %v err=%v", connectionIDs(conns), err)
	}
	r1, err := reg.RoomConnections(ctx, "r1")
	if err != nil || len(r1) != 0 {
		t.Fatalf("expected r1 empty, got %v err=%v", connectionIDs(r1), err)
	}
	r2, err := reg.RoomConnections(ctx, "r2")
	if err != nil || !reflect.DeepEqual(connectionIDs(r2), []string{"other"}) {
		t.Fatalf("expected only other in r2, got %v err=%v", connectionIDs(r2), err)
	}
	if mr.Exists(reg.connKey("c")) || mr.Exists(reg.connRoomsKey("c")) {
		t.Fatal("expected connection keys deleted")
	}

	count, err := reg.ActiveCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one active connection, got %d err=%v", count, err)
	}
	rooms, err := reg.ActiveRooms(ctx)
	if err != nil || !reflect.DeepEqual(rooms, []string{"r2"}) {
		t.Fatalf("expected r2 active, got %v err=%v", rooms, err)
	}

	removal, err = reg.Remove(ctx, "c")
	if err != nil || removal.Existed {
		t.Fatalf("second remove: %+v err=%v", removal, err)
	}
}

func TestProjectionsFilterDanglingIDs(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if _, err := reg.Register(ctx, id, "p", nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := reg.Join(ctx, id, "r"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	mr.Del(reg.connKey("c2"))

	conns, err := reg.PrincipalConnections(ctx, "p")
	if err != nil || !reflect.DeepEqual(connectionIDs(conns), []string{"c1"}) {
		t.Fatalf("principal projection: %v err=%v", connectionIDs(conns), err)
	}
	conns, err = reg.RoomConnections(ctx, "r")
	if err != nil || !reflect.DeepEqual(connectionIDs(conns), []string{"c1"}) {
		t.Fatalf("room projection: %v err=%v", connectionIDs(conns), err)
	}
	if ok, _ := mr.SIsMember(reg.roomKey("r"), "c2"); ok {
		t.Fatal("expected dangling member pruned from room")
	}
}

func TestTouchRearmsTTLs(t *testing.T) {
	reg, mr, clock, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c1", "p1", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Join(ctx, "c1", "r1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	mr.FastForward(40 * time.Minute)
	clock.Advance(40 * time.Minute)

	ok, err := reg.Touch(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	for _, key := range []string{reg.connKey("c1"), reg.connRoomsKey("c1"), reg.principalKey("p1"), reg.roomKey("r1")} {
		if ttl := mr.TTL(key); ttl != time.Hour {
			t.Fatalf("expected %s ttl re-armed, got %v", key, ttl)
		}
	}

	conn, err := reg.Get(ctx, "c1")
	if err != nil || conn.LastActivity != clock.Now().UnixMilli() {
		t.Fatalf("expected last activity updated, got %+v err=%v", conn, err)
	}

	clock.Advance(30 * time.Minute)
	count, err := reg.ActiveCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected touched connection to stay active, got %d err=%v", count, err)
	}

	ok, err = reg.Touch(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("touch missing: ok=%v err=%v", ok, err)
	}
}

func TestActiveCountDropsExpired(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c1", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(time.Hour)

	count, err := reg.ActiveCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected lapsed connection excluded, got %d err=%v", count, err)
	}
}

func TestRegistryUnavailable(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t)
	defer done()
	mr.Close()

	if _, err := reg.Join(context.Background(), "c", "r"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if _, err := reg.Remove(context.Background(), "c"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestKeyTypesDoNotShareNamespace(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c1", "", nil); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if _, err := reg.Join(ctx, "c1", "r1"); err != nil {
		t.Fatalf("join c1: %v", err)
	}
	if _, err := reg.Register(ctx, "c1:rooms", "", nil); err != nil {
		t.Fatalf("register c1:rooms: %v", err)
	}

	if ok, _ := mr.IsMember("rt:cr:c1", "r1"); !ok {
		t.Fatal("expected c1 room index at rt:cr:c1")
	}
	if !mr.Exists("rt:c:c1:rooms") {
		t.Fatal("expected c1:rooms record at rt:c:c1:rooms")
	}

	removal, err := reg.Remove(ctx, "c1")
	if err != nil || !removal.Existed {
		t.Fatalf("remove c1: %+v err=%v", removal, err)
	}
	if !reflect.DeepEqual(removal.EmptiedRooms, []string{"r1"}) {
		t.Fatalf("unexpected emptied rooms %v", removal.EmptiedRooms)
	}
	if conn, err := reg.Get(ctx, "c1:rooms"); err != nil || conn == nil {
		t.Fatalf("expected c1:rooms untouched, got %v err=%v", conn, err)
	}
}
