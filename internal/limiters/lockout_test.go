package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockoutTest(t *testing.T) (*LockoutLimiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLockoutLimiter(rdb, LockoutConfig{}), mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestLockoutBlocksAtThresholdAndClears(t *testing.T) {
	l, _, done := newLockoutTest(t)
	defer done()

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		count, err := l.RecordFailure(ctx, "u", 0)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if count != i {
			t.Fatalf("record %d: expected count %d, got %d", i, i, count)
		}
	}

	blocked, err := l.Blocked(ctx, "u", 5)
	if err != nil || !blocked {
		t.Fatalf("expected blocked after 5 failures, got %v err=%v", blocked, err)
	}

	if err := l.Reset(ctx, "u"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	blocked, err = l.Blocked(ctx, "u", 5)
	if err != nil || blocked {
		t.Fatalf("expected unblocked after reset, got %v err=%v", blocked, err)
	}
	count, err := l.Count(ctx, "u")
	if err != nil || count != 0 {
		t.Fatalf("expected zero count after reset, got %d err=%v", count, err)
	}

	// Clearing an absent counter is a no-op.
	if err := l.Reset(ctx, "u"); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestLockoutExpiryArmedOnFirstFailureOnly(t *testing.T) {
	l, mr, done := newLockoutTest(t)
	defer done()

	ctx := context.Background()
	if _, err := l.RecordFailure(ctx, "u", time.Minute); err != nil {
		t.Fatalf("first record: %v", err)
	}

	mr.FastForward(40 * time.Second)

	if _, err := l.RecordFailure(ctx, "u", time.Minute); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if ttl := mr.TTL(l.key("u")); ttl != 20*time.Second {
		t.Fatalf("expected window to keep its original deadline, ttl=%v", ttl)
	}

	mr.FastForward(21 * time.Second)

	count, err := l.Count(ctx, "u")
	if err != nil || count != 0 {
		t.Fatalf("expected counter to expire with the first window, got %d err=%v", count, err)
	}
}

func TestLockoutDefaultWindowAndThreshold(t *testing.T) {
	l, mr, done := newLockoutTest(t)
	defer done()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.RecordFailure(ctx, "d", -time.Second); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if ttl := mr.TTL(l.key("d")); ttl != DefaultFailureWindow {
		t.Fatalf("expected default window, ttl=%v", ttl)
	}
	ttl, err := l.TTL(ctx, "d")
	if err != nil || ttl <= 0 || ttl > DefaultFailureWindow {
		t.Fatalf("unexpected remaining window %v err=%v", ttl, err)
	}

	blocked, err := l.Blocked(ctx, "d", 0)
	if err != nil || blocked {
		t.Fatalf("expected 4 failures to stay under default threshold, got %v err=%v", blocked, err)
	}
	if _, err := l.RecordFailure(ctx, "d", 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	blocked, err = l.Blocked(ctx, "d", 0)
	if err != nil || !blocked {
		t.Fatalf("expected default threshold to block at 5, got %v err=%v", blocked, err)
	}
}

func TestLockoutUnavailable(t *testing.T) {
	l, mr, done := newLockoutTest(t)
	defer done()
	mr.Close()

	if _, err := l.RecordFailure(context.Background(), "u", 0); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if _, err := l.Blocked(context.Background(), "u", 5); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
}
