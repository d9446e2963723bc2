package goState

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/goState/internal/rate"
	"github.com/sirupsen/logrus"
)

// Window is a named fixed-window rate limit. KeyBuilder maps the caller's
// identifier to the stored key; when nil the key is Name + ":" + identifier.
type Window struct {
	Name        string
	Length      time.Duration
	MaxRequests int
	KeyBuilder  func(identifier string) string
}

// Preset windows. Engine.Windows returns the same presets resized by
// Config.RateLimit.
var (
	LoginWindow           = Window{Name: "login", Length: 15 * time.Minute, MaxRequests: 5}
	APIWindow             = Window{Name: "api", Length: time.Minute, MaxRequests: 100}
	CreateWindow          = Window{Name: "create", Length: time.Minute, MaxRequests: 10}
	RealtimeConnectWindow = Window{Name: "realtime_connect", Length: 5 * time.Minute, MaxRequests: 10}
)

// Windows groups the configured presets.
type Windows struct {
	Login           Window
	API             Window
	Create          Window
	RealtimeConnect Window
}

func windowsFromConfig(cfg RateLimitConfig) Windows {
	resize := func(w Window, c WindowConfig) Window {
		w.Length = c.Length
		w.MaxRequests = c.MaxRequests
		return w
	}
	return Windows{
		Login:           resize(LoginWindow, cfg.Login),
		API:             resize(APIWindow, cfg.API),
		Create:          resize(CreateWindow, cfg.Create),
		RealtimeConnect: resize(RealtimeConnectWindow, cfg.RealtimeConnect),
	}
}

// Windows returns the preset windows sized by the engine configuration.
func (e *Engine) Windows() Windows {
	return e.windows
}

func (w Window) key(identifier string) string {
	if w.KeyBuilder != nil {
		return w.KeyBuilder(identifier)
	}
	if w.Name == "" {
		return identifier
	}
	return w.Name + ":" + identifier
}

// CheckRateLimit admits or denies one request by identifier against w.
//
// The first request of a window stores its start time. Once the window is
// full, a request at or after start+Length restarts the window even if the
// counter key has not expired yet. Check and increment run as one script, so
// concurrent callers never over-admit.
//
// When the store fails the configured FailurePolicy decides: FailClosed
// returns a denied result and an error wrapping ErrStoreUnavailable,
// FailOpen returns an allowed result with Degraded set and a nil error.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier string, w Window) (RateLimitResult, error) {
	if w.Length < time.Millisecond || w.MaxRequests <= 0 {
		return RateLimitResult{}, rate.ErrInvalidWindow
	}

	start := time.Now()
	now := e.now()
	decision, err := e.rateLimiter.Allow(ctx, w.key(identifier), w.Length, w.MaxRequests, now)
	if e.metrics != nil {
		e.metrics.Observe(MetricRateLimitLatency, time.Since(start))
	}
	if err != nil {
		return e.rateLimitFailure(ctx, identifier, w, now, err)
	}

	result := RateLimitResult{
		Allowed:       decision.Allowed,
		ResetTime:     decision.ResetAt,
		TotalRequests: decision.Count,
		Limit:         w.MaxRequests,
	}
	if decision.Lapsed {
		e.metricInc(MetricRateLimitWindowReset)
	}
	if decision.Allowed {
		result.RemainingRequests = w.MaxRequests - decision.Count
		if result.RemainingRequests < 0 {
			result.RemainingRequests = 0
		}
		e.metricInc(MetricRateLimitAllowed)
		return result, nil
	}

	e.metricInc(MetricRateLimitDenied)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, auditSubject{}, nil, func() map[string]string {
		return map[string]string{
			"window":     w.Name,
			"identifier": identifier,
			"limit":      strconv.Itoa(w.MaxRequests),
		}
	})
	return result, nil
}

func (e *Engine) rateLimitFailure(ctx context.Context, identifier string, w Window, now time.Time, err error) (RateLimitResult, error) {
	if e.config.FailurePolicy == FailOpen {
		e.metricInc(MetricStoreFailOpen)
		e.log.WithFields(logrus.Fields{
			"window":     w.Name,
			"identifier": identifier,
		}).WithError(err).Warn("goState: rate limit store unavailable, admitting request")
		e.emitAudit(ctx, auditEventStoreDegraded, false, auditSubject{}, storeErr(err), func() map[string]string {
			return map[string]string{"window": w.Name, "policy": string(FailOpen)}
		})
		return RateLimitResult{
			Allowed:           true,
			RemainingRequests: w.MaxRequests,
			ResetTime:         now.Add(w.Length),
			Limit:             w.MaxRequests,
			Degraded:          true,
		}, nil
	}

	e.metricInc(MetricStoreFailClosed)
	return RateLimitResult{
		Allowed:   false,
		ResetTime: now.Add(w.Length),
		Limit:     w.MaxRequests,
	}, storeErr(err)
}

// ResetRateLimit deletes the window state for identifier, restoring full
// capacity.
func (e *Engine) ResetRateLimit(ctx context.Context, identifier string, w Window) error {
	if err := e.rateLimiter.Reset(ctx, w.key(identifier)); err != nil {
		return storeErr(err)
	}
	return nil
}

// IncrementFailedAttempts records one failed attempt and returns the count
// in the current failure window. The window starts at the first failure and
// is not extended by later ones. window <= 0 uses Config.Lockout.Window.
func (e *Engine) IncrementFailedAttempts(ctx context.Context, identifier string, window time.Duration) (int, error) {
	if window <= 0 {
		window = e.config.Lockout.Window
	}
	count, err := e.lockout.RecordFailure(ctx, identifier, window)
	if err != nil {
		return 0, storeErr(err)
	}
	e.metricInc(MetricFailedAttempt)
	if count == e.config.Lockout.MaxAttempts {
		e.metricInc(MetricLockoutTriggered)
		e.emitAudit(ctx, auditEventLockoutTriggered, false, auditSubject{}, nil, func() map[string]string {
			return map[string]string{"identifier": identifier, "attempts": strconv.Itoa(count)}
		})
	}
	return count, nil
}

// GetFailedAttempts returns the failed-attempt count, zero when none are
// recorded.
func (e *Engine) GetFailedAttempts(ctx context.Context, identifier string) (int, error) {
	count, err := e.lockout.Count(ctx, identifier)
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

// IsTemporarilyBlocked reports whether identifier has at least maxAttempts
// recorded failures. maxAttempts <= 0 uses Config.Lockout.MaxAttempts.
//
// On store failure FailClosed reports blocked with an error wrapping
// ErrStoreUnavailable; FailOpen reports not blocked and a nil error.
func (e *Engine) IsTemporarilyBlocked(ctx context.Context, identifier string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.config.Lockout.MaxAttempts
	}
	blocked, err := e.lockout.Blocked(ctx, identifier, maxAttempts)
	if err == nil {
		return blocked, nil
	}

	if e.config.FailurePolicy == FailOpen {
		e.metricInc(MetricStoreFailOpen)
		e.log.WithField("identifier", identifier).WithError(err).
			Warn("goState: lockout store unavailable, treating identifier as unblocked")
		return false, nil
	}
	e.metricInc(MetricStoreFailClosed)
	return true, storeErr(err)
}

// ClearFailedAttempts deletes the failure counter. Clearing an absent
// counter is not an error.
func (e *Engine) ClearFailedAttempts(ctx context.Context, identifier string) error {
	if err := e.lockout.Reset(ctx, identifier); err != nil {
		return storeErr(err)
	}
	e.metricInc(MetricLockoutCleared)
	return nil
}

// LockoutRemaining reports how long the failure window for identifier has
// left.
func (e *Engine) LockoutRemaining(ctx context.Context, identifier string) (time.Duration, error) {
	d, err := e.lockout.TTL(ctx, identifier)
	if err != nil {
		return 0, storeErr(err)
	}
	return d, nil
}

// IsStoreError reports whether err came from the backing store rather than
// from a policy decision.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
