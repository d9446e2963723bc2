package goState

import (
	"context"
	"strconv"

	"github.com/MrEthical07/goState/cache"
	"github.com/sirupsen/logrus"
)

// UserTag tags cache entries derived from user id. InvalidateUserCache
// deletes everything carrying it.
func UserTag(id string) string { return "user:" + id }

// StreamerTag tags cache entries derived from one streamer's profile or
// schedule. InvalidateStreamerCache deletes everything carrying it.
func StreamerTag(id string) string { return "streamer:" + id }

// AuthTag tags cache entries derived from a principal's session state, such
// as a memoised token check. InvalidateAuthCache deletes them.
func AuthTag(id string) string { return "auth:" + id }

// SocketTag tags cache entries owned by one realtime connection. They are
// dropped by InvalidateSocketCache when the connection goes away.
func SocketTag(connectionID string) string { return "socket:" + connectionID }

// StreamersTag groups the streamer listings.
const StreamersTag = "streamers"

// InvalidateUserCache drops the user's entries: user:{id}, its profile and
// scores keys, and every key tagged UserTag(id).
func (e *Engine) InvalidateUserCache(ctx context.Context, id string) (int, error) {
	return e.invalidate(ctx, "user", []string{
		"user:" + id,
		"user:" + id + ":profile",
		"user:" + id + ":scores",
	}, []string{UserTag(id)})
}

// InvalidateStreamerCache drops the streamer's entries and the streamer
// listings, which embed every streamer.
func (e *Engine) InvalidateStreamerCache(ctx context.Context, id string) (int, error) {
	return e.invalidate(ctx, "streamer", []string{
		"streamer:" + id,
		"streamer:" + id + ":schedule",
		"streamers:all",
		"streamers:live",
	}, []string{StreamerTag(id)})
}

// InvalidateStreamersCache drops the streamer listings.
func (e *Engine) InvalidateStreamersCache(ctx context.Context) (int, error) {
	return e.invalidate(ctx, "streamers", []string{
		"streamers:all",
		"streamers:live",
	}, []string{StreamersTag})
}

// InvalidateAuthCache drops cached authentication lookups for id.
func (e *Engine) InvalidateAuthCache(ctx context.Context, id string) (int, error) {
	return e.invalidate(ctx, "auth", []string{
		"auth:session:" + id,
		"auth:user:" + id,
	}, []string{AuthTag(id)})
}

// InvalidateSocketCache drops cached state for a realtime connection.
func (e *Engine) InvalidateSocketCache(ctx context.Context, connectionID string) (int, error) {
	return e.invalidate(ctx, "socket", []string{
		"socket:" + connectionID,
		"socket:" + connectionID + ":rooms",
	}, []string{SocketTag(connectionID)})
}

// ClearAllCache drops every key the cache layer has recorded. Rate-limit,
// session and connection state is not cache and survives.
func (e *Engine) ClearAllCache(ctx context.Context) (int, error) {
	n, err := e.cache.InvalidateAll(ctx)
	if err != nil {
		return 0, componentErr(err, cache.ErrRedisUnavailable)
	}
	e.recordInvalidation(ctx, "all", n)
	return n, nil
}

func (e *Engine) invalidate(ctx context.Context, scope string, keys, tags []string) (int, error) {
	n, err := e.cache.Invalidate(ctx, keys, tags)
	if err != nil {
		return 0, componentErr(err, cache.ErrRedisUnavailable)
	}
	e.recordInvalidation(ctx, scope, n)
	return n, nil
}

func (e *Engine) recordInvalidation(ctx context.Context, scope string, n int) {
	e.metricInc(MetricCacheInvalidation)
	e.metricAdd(MetricCacheKeysDeleted, uint64(n))
	e.emitAudit(ctx, auditEventCacheInvalidated, true, auditSubject{}, nil, func() map[string]string {
		return map[string]string{"scope": scope, "deleted": strconv.Itoa(n)}
	})
	e.log.WithFields(logrus.Fields{
		"scope":   scope,
		"deleted": n,
	}).Debug("goState: cache invalidated")
}
