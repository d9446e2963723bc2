package goState

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goState/internal"
	"github.com/MrEthical07/goState/session"
)

func TestSessionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := Principal{ID: "p1", Nickname: "neo", Role: "viewer"}

	id, err := h.engine.CreateSession(ctx, p, &SessionMetadata{IP: "203.0.113.9", UserAgent: "ua/1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := internal.ParseSessionID(id); err != nil {
		t.Fatalf("session id %q is not a 128-bit handle: %v", id, err)
	}

	sess, err := h.engine.GetSession(ctx, id)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v %v", sess, err)
	}
	if sess.PrincipalID != "p1" || sess.Nickname != "neo" || sess.Role != "viewer" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.IP != "203.0.113.9" || sess.UserAgent != "ua/1" {
		t.Fatalf("metadata not stored: %+v", sess)
	}
	if sess.LoginTime != h.clock.Now().UnixMilli() {
		t.Fatalf("expected login time from engine clock, got %d", sess.LoginTime)
	}

	if err := h.engine.RemoveSession(ctx, id); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	valid, err := h.engine.IsValidSession(ctx, id)
	if err != nil || valid {
		t.Fatalf("expected invalid after removal, got %v %v", valid, err)
	}
	if err := h.engine.RemoveSession(ctx, id); err != nil {
		t.Fatalf("removing twice should not fail: %v", err)
	}
	ids, err := h.engine.PrincipalSessions(ctx, "p1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty principal index, got %v %v", ids, err)
	}
}

func TestSessionMetadataFromContext(t *testing.T) {
	h := newHarness(t)
	ctx := WithUserAgent(WithClientIP(context.Background(), "198.51.100.1"), "curl/8")

	id, err := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess, _ := h.engine.PeekSession(ctx, id)
	if sess == nil || sess.IP != "198.51.100.1" || sess.UserAgent != "curl/8" {
		t.Fatalf("expected metadata from context, got %+v", sess)
	}
}

func TestGetSessionMissIsNotAnError(t *testing.T) {
	h := newHarness(t)
	sess, err := h.engine.GetSession(context.Background(), "missing")
	if err != nil || sess != nil {
		t.Fatalf("expected nil, nil; got %v %v", sess, err)
	}
	ok, err := h.engine.ExtendSession(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected false, nil; got %v %v", ok, err)
	}
}

func TestGetSessionSlidesExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	h.mr.FastForward(23 * time.Hour)
	h.clock.Advance(23 * time.Hour)

	ok, err := h.engine.ExtendSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("ExtendSession: %v %v", ok, err)
	}
	if ttl := h.mr.TTL("ss:s:" + id); ttl != 24*time.Hour {
		t.Fatalf("expected TTL re-armed to 24h, got %v", ttl)
	}

	sess, _ := h.engine.PeekSession(ctx, id)
	if sess.LastActivity != h.clock.Now().UnixMilli() {
		t.Fatalf("expected LastActivity refreshed, got %d", sess.LastActivity)
	}

	h.mr.FastForward(23 * time.Hour)
	if valid, _ := h.engine.IsValidSession(ctx, id); !valid {
		t.Fatal("session should survive 46h of activity")
	}

	h.mr.FastForward(25 * time.Hour)
	if valid, _ := h.engine.IsValidSession(ctx, id); valid {
		t.Fatal("idle session should expire")
	}
}

func TestRemoveAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.CreateSession(ctx, Principal{ID: "p1"}, nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	other, err := h.engine.CreateSession(ctx, Principal{ID: "p2"}, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := h.engine.RemoveAllSessions(ctx, "p1")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 removed, got %d %v", n, err)
	}
	if h.mr.Exists("ss:p:p1") {
		t.Fatal("principal index should be deleted")
	}
	if valid, _ := h.engine.IsValidSession(ctx, other); !valid {
		t.Fatal("other principal's session must survive")
	}
	if n, _ := h.engine.ActiveSessionCount(ctx); n != 1 {
		t.Fatalf("expected 1 active session, got %d", n)
	}
}

func TestConcurrentCreateSessionKeepsEveryID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	ids := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil)
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	got, err := h.engine.PrincipalSessions(ctx, "p")
	if err != nil {
		t.Fatalf("PrincipalSessions: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d ids in index, got %d", n, len(got))
	}
}

func TestPrincipalSessionsPrunesDanglingIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keep, _ := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil)
	gone, _ := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil)
	h.mr.Del("ss:s:" + gone)

	ids, err := h.engine.PrincipalSessions(ctx, "p")
	if err != nil {
		t.Fatalf("PrincipalSessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != keep {
		t.Fatalf("expected only %s, got %v", keep, ids)
	}
	if ok, _ := h.mr.IsMember("ss:p:p", gone); ok {
		t.Fatal("dangling id should be pruned from the index")
	}
}

func TestActiveSessionCountDropsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.engine.CreateSession(ctx, Principal{ID: "p"}, nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if n, err := h.engine.ActiveSessionCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2, got %d %v", n, err)
	}

	h.clock.Advance(25 * time.Hour)
	if n, err := h.engine.ActiveSessionCount(ctx); err != nil || n != 0 {
		t.Fatalf("expected 0 after TTL, got %d %v", n, err)
	}
}

func TestSessionStoreErrorsAreWrapped(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	_, err := h.engine.CreateSession(context.Background(), Principal{ID: "p"}, nil)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, session.ErrRedisUnavailable) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestSessionIDsCannotReachIndexKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.CreateSession(ctx, Principal{ID: "alice"}, nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for _, id := range []string{"active", "p:alice"} {
		valid, err := h.engine.IsValidSession(ctx, id)
		if err != nil || valid {
			t.Fatalf("IsValidSession(%q): %v %v", id, valid, err)
		}
		sess, err := h.engine.GetSession(ctx, id)
		if err != nil || sess != nil {
			t.Fatalf("GetSession(%q): %+v %v", id, sess, err)
		}
		if err := h.engine.RemoveSession(ctx, id); err != nil {
			t.Fatalf("RemoveSession(%q): %v", id, err)
		}
	}

	ids, err := h.engine.PrincipalSessions(ctx, "alice")
	if err != nil || len(ids) != 1 {
		t.Fatalf("principal index disturbed: %v %v", ids, err)
	}
	count, err := h.engine.ActiveSessionCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("active index disturbed: %d %v", count, err)
	}
}
