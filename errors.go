package goState

import "errors"

var (
	// ErrStoreUnavailable wraps every backing-store failure surfaced by the engine.
	ErrStoreUnavailable = errors.New("state store unavailable")
	// ErrLoginRateLimited is returned when the login window is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrTemporarilyBlocked is returned while an identifier is locked out.
	ErrTemporarilyBlocked = errors.New("temporarily blocked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionNotFound is returned by operations that need a live session.
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("unauthorized")
	// ErrEngineNotReady is returned when a required collaborator was not configured.
	ErrEngineNotReady = errors.New("engine not initialized")
	ErrTokensDisabled = errors.New("session tokens disabled")
)

// RateLimitError is returned by Login when the login window is exhausted.
// errors.Is(err, ErrLoginRateLimited) holds.
type RateLimitError struct {
	Result RateLimitResult
}

func (e *RateLimitError) Error() string { return ErrLoginRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return ErrLoginRateLimited }
