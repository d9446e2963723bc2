// Package middleware adapts a goState.Engine to net/http.
//
//   - [RequestContext] attaches client IP and user agent to the request context.
//   - [RateLimit] runs a fixed-window admission check and writes the
//     X-RateLimit-* headers, answering 429 with Retry-After when denied.
//   - [RequireSession] resolves a bearer token or session cookie to a live
//     session and stores it in the context.
//
// Decisions are made by the Engine; this package only maps them to HTTP.
package middleware
