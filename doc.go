// Package goState is the ephemeral-state layer that sits beside a service's
// source of truth: fixed-window rate limiting and failed-attempt lockout,
// session presence per principal, realtime connection and room presence,
// and tag-based invalidation of derived cache entries.
//
// Everything is stored in Redis with a TTL, so a crashed process never
// leaks records for longer than their expiry. Engine methods are safe to call
// from multiple goroutines and from multiple processes sharing one Redis.
//
// # Atomicity
//
// Every read-modify-write runs server side. The rate-limit check and
// increment is one Lua script, the failed-attempt counter arms its expiry in
// the same script as the increment, and the principal, room and
// connection indices are Redis sets updated in MULTI blocks or scripts. No
// caller can lose another caller's update.
//
// # Store failures
//
// Components always return store errors. The Engine wraps them with
// [ErrStoreUnavailable] and applies [Config.FailurePolicy] only at the
// admission points, [Engine.CheckRateLimit] and [Engine.IsTemporarilyBlocked].
// The default is [FailClosed].
//
// # Absence
//
// Lookups of sessions, connections and rooms that do not exist return a nil
// result and a nil error.
package goState
