// Package rate provides the fixed-window admission primitive used by the engine's
// rate limiter presets.
//
// # Window semantics
//
// Fixed window with lazy reset, evaluated server-side in a single Lua script so the
// read-count-then-write sequence cannot interleave with a concurrent caller:
//
//   - count < max: INCR-equivalent write with PX = window; the first hit of a window
//     also records the window anchor (oldest request timestamp).
//   - count >= max: the window is considered lapsed when now - anchor >= window (or the
//     anchor key has already expired); the count restarts at zero and the request is
//     admitted. Otherwise the request is denied with reset = anchor + window.
//
// Key layout: rl:{<key>} holds the count, rl:{<key>}:ts holds the anchor. The hash tag
// keeps both keys in one cluster slot.
//
// # What this package must NOT do
//
//   - Decide fail-open versus fail-closed (store errors are returned to the engine).
//   - Be imported outside the goState module.
package rate
