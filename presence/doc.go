// Package presence tracks realtime connections and their room memberships in
// Redis.
//
// # Keys
//
// With the default "rt" prefix:
//
//	rt:c:<connection>        connection record (JSON)
//	rt:cr:<connection>       SET of rooms the connection joined
//	rt:p:<principal>         SET of the principal's connection ids
//	rt:r:<room>              SET of member connection ids
//	rt:active                ZSET of connection ids scored by expiry (ms)
//	rt:rooms                 ZSET of room ids scored by expiry (ms)
//
// Every key type has its own segment, so no identifier can name another
// type's key.
//
// Membership edges are added and removed on both sides inside one MULTI or
// Lua script. Leaving the last member of a room deletes the room. Every key
// carries the registry TTL, which heartbeats re-arm.
package presence
