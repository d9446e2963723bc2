package goState

import (
	"context"
	"time"
)

// Principal is the authenticated identity a session belongs to.
type Principal struct {
	ID       string
	Nickname string
	Role     string
}

// SessionMetadata is optional client information stored with a session.
type SessionMetadata struct {
	IP        string
	UserAgent string
}

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed           bool
	RemainingRequests int
	// ResetTime is when the current window closes.
	ResetTime     time.Time
	TotalRequests int
	Limit         int
	// Degraded is set when the store was unreachable and FailOpen admitted
	// the request without counting it.
	Degraded bool
}

// RetryAfter returns how long a denied caller should wait, measured from now.
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	d := r.ResetTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	SessionID string
	// Token is empty when session tokens are disabled.
	Token     string
	Principal Principal
}

// UserProvider resolves credentials against the source of truth.
// VerifyCredentials returns ErrInvalidCredentials (or any wrapped form of
// it) when the identifier or secret does not match.
type UserProvider interface {
	VerifyCredentials(ctx context.Context, identifier, secret string) (Principal, error)
}
