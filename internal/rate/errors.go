package rate

import "errors"

var (
	// ErrRedisUnavailable wraps every store failure returned by the limiter.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrInvalidWindow is returned for non-positive window lengths or limits.
	ErrInvalidWindow = errors.New("invalid rate limit window")
)
