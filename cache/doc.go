// Package cache is a Redis-backed derived-data cache with tag-based
// invalidation.
//
// Every write records its key in "<prefix>:tag:<tag>" for each tag it
// carries, in the all-keys set "<prefix>:keys", and each tag name in the
// registry "<prefix>:tags". Invalidating a tag deletes exactly the keys
// recorded under it; there are no wildcard deletes.
//
// An optional in-process expirable LRU sits in front of Redis. Evicted keys
// are published on a Redis channel so [Cache.Subscribe] on other instances
// drops them from their own near tier.
package cache
