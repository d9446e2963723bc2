package middleware

import (
	"net"
	"net/http"

	goState "github.com/MrEthical07/goState"
)

// RequestContext attaches the client IP and user agent to the request
// context. Run it after a proxy-aware middleware such as chi's RealIP so
// RemoteAddr already holds the client address.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := goState.WithClientIP(r.Context(), remoteIP(r.RemoteAddr))
		ctx = goState.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the IP attached by RequestContext, falling back to
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := goState.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return remoteIP(r.RemoteAddr)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
