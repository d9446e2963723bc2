// Package session provides Redis-backed session records for authenticated
// principals and their compact binary encoding.
//
// # Binary encoding
//
// Records are stored as a versioned binary blob. v1 blobs are still decoded
// and are rewritten as the current version on the next sliding read.
//
// # Indices
//
// Records live under "<prefix>:s:", apart from the index keys, so a session
// id can never address an index.
//
// Each principal has a Redis SET of its session ids, updated with SADD/SREM so
// concurrent logins never lose an entry. A ZSET of session ids scored by
// expiry backs [Store.ActiveCount] without a keyspace scan.
//
// # What this package must NOT do
//
//   - Import goState or jwt (no upward imports).
//   - Decide whether a store outage fails open or closed.
package session
