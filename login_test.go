package goState

import (
	"context"
	"errors"
	"strconv"
	"testing"
)

const testTokenSecret = "0123456789abcdef0123456789abcdef"

func loginUsers() staticUsers {
	return staticUsers{
		"alice": {secret: "s3cret", principal: Principal{ID: "u-1", Nickname: "alice", Role: "streamer"}},
	}
}

func TestLoginSuccessCreatesSession(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })
	ctx := WithClientIP(context.Background(), "203.0.113.1")

	res, err := h.engine.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "" {
		t.Fatal("token should be empty when tokens are disabled")
	}
	if res.Principal.ID != "u-1" {
		t.Fatalf("unexpected principal %+v", res.Principal)
	}

	sess, err := h.engine.ValidateToken(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if sess.PrincipalID != "u-1" || sess.IP != "203.0.113.1" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestLoginRequiresUserProvider(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Login(context.Background(), "a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestLoginFailuresLockOutIdentifier(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })

	// Spread attempts over addresses so only the lockout applies.
	for i := 0; i < 5; i++ {
		ctx := WithClientIP(context.Background(), "198.51.100."+strconv.Itoa(i))
		if _, err := h.engine.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	ctx := WithClientIP(context.Background(), "198.51.100.99")
	if _, err := h.engine.Login(ctx, "alice", "s3cret"); !errors.Is(err, ErrTemporarilyBlocked) {
		t.Fatalf("expected ErrTemporarilyBlocked, got %v", err)
	}

	if err := h.engine.ClearFailedAttempts(ctx, "alice"); err != nil {
		t.Fatalf("ClearFailedAttempts: %v", err)
	}
	if _, err := h.engine.Login(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("expected login after clear, got %v", err)
	}
}

func TestLoginSuccessClearsFailures(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })
	ctx := WithClientIP(context.Background(), "192.0.2.10")

	for i := 0; i < 2; i++ {
		_, _ = h.engine.Login(ctx, "alice", "nope")
	}
	if n, _ := h.engine.GetFailedAttempts(ctx, "alice"); n != 2 {
		t.Fatalf("expected 2 failures, got %d", n)
	}
	if _, err := h.engine.Login(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if n, _ := h.engine.GetFailedAttempts(ctx, "alice"); n != 0 {
		t.Fatalf("expected failures cleared, got %d", n)
	}
}

func TestLoginRateLimitedPerClientIP(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })
	ctx := WithClientIP(context.Background(), "192.0.2.20")

	for i := 0; i < 5; i++ {
		if _, err := h.engine.Login(ctx, "alice", "s3cret"); err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	_, err := h.engine.Login(ctx, "alice", "s3cret")
	var rle *RateLimitError
	if !errors.As(err, &rle) || !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Result.Allowed || rle.Result.Limit != 5 {
		t.Fatalf("unexpected result %+v", rle.Result)
	}

	other := WithClientIP(context.Background(), "192.0.2.21")
	if _, err := h.engine.Login(other, "alice", "s3cret"); err != nil {
		t.Fatalf("another address should be admitted: %v", err)
	}
}

func TestLoginWithTokens(t *testing.T) {
	h := newHarness(t, func(b *Builder) {
		cfg := DefaultConfig()
		cfg.Token.Enabled = true
		cfg.Token.Secret = testTokenSecret
		cfg.Token.Issuer = "gostate-test"
		b.WithConfig(cfg).WithUserProvider(loginUsers())
	})
	ctx := context.Background()

	res, err := h.engine.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("expected a signed token")
	}

	sess, err := h.engine.ValidateToken(ctx, res.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if sess.SessionID != res.SessionID {
		t.Fatalf("token resolves to %s, want %s", sess.SessionID, res.SessionID)
	}

	if _, err := h.engine.ValidateToken(ctx, res.SessionID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("raw session id must not pass as a token, got %v", err)
	}

	reissued, err := h.engine.IssueToken(ctx, res.SessionID)
	if err != nil || reissued == "" {
		t.Fatalf("IssueToken: %q %v", reissued, err)
	}

	if err := h.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.engine.ValidateToken(ctx, res.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after logout, got %v", err)
	}
}

func TestIssueTokenDisabled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.IssueToken(context.Background(), "sid"); !errors.Is(err, ErrTokensDisabled) {
		t.Fatalf("expected ErrTokensDisabled, got %v", err)
	}
}

func TestLogoutInvalidatesAuthCache(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })
	ctx := context.Background()

	res, err := h.engine.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_ = h.mr.Set("auth:user:u-1", "cached")

	if err := h.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.mr.Exists("auth:user:u-1") {
		t.Fatal("auth cache should be invalidated on logout")
	}
	if err := h.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t, func(b *Builder) { b.WithUserProvider(loginUsers()) })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Login(ctx, "alice", "s3cret"); err != nil {
			t.Fatalf("Login: %v", err)
		}
	}
	n, err := h.engine.LogoutAll(ctx, "u-1")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 sessions removed, got %d %v", n, err)
	}
}

func TestValidateTokenMalformed(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "not-a-session-id", "AAAA"} {
		if _, err := h.engine.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("ValidateToken(%q): expected ErrUnauthorized, got %v", token, err)
		}
	}
}

func TestValidateTokenUnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.ValidateToken(context.Background(), "AAAAAAAAAAAAAAAAAAAAAA"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
