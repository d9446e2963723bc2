package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/sirupsen/logrus"
)

// KeyFunc picks the rate-limit identifier for a request.
type KeyFunc func(r *http.Request) string

// ByClientIP keys windows on the caller's address.
func ByClientIP(r *http.Request) string {
	return ClientIP(r)
}

// BySessionOrIP keys windows on the session principal when RequireSession
// ran first, and on the client address otherwise.
func BySessionOrIP(r *http.Request) string {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return "p:" + sess.PrincipalID
	}
	return ClientIP(r)
}

// Denial is the JSON body of a 429 response.
type Denial struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// NextAllowedIn is the wait in seconds before the window reopens.
	NextAllowedIn int       `json:"nextAllowedIn"`
	ResetTime     time.Time `json:"resetTime"`
}

// RateLimit admits requests through window and sets X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset (Unix seconds) on every
// response it lets through or denies. A denial answers 429 with Retry-After
// and a Denial body. A store failure under the fail-closed policy answers
// 503.
func RateLimit(engine *goState.Engine, window goState.Window, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := engine.CheckRateLimit(r.Context(), key(r), window)
			if err != nil {
				if errors.Is(err, goState.ErrStoreUnavailable) {
					engine.Logger().WithFields(logrus.Fields{
						"window": window.Name,
						"path":   r.URL.Path,
					}).WithError(err).Warn("goState: rate limit unavailable, rejecting request")
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.RemainingRequests))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			WriteDenial(w, res, engine.Now())
		})
	}
}

// WriteDenial writes the 429 response for a denied result.
func WriteDenial(w http.ResponseWriter, res goState.RateLimitResult, now time.Time) {
	wait := int(math.Ceil(res.RetryAfter(now).Seconds()))
	if wait < 1 {
		wait = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(wait))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(Denial{
		Error:         "rate_limited",
		Message:       "too many requests, retry after " + strconv.Itoa(wait) + "s",
		NextAllowedIn: wait,
		ResetTime:     res.ResetTime.UTC(),
	})
}
