package goState

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goState/cache"
	"github.com/MrEthical07/goState/internal/limiters"
	"github.com/MrEthical07/goState/internal/rate"
	"github.com/MrEthical07/goState/jwt"
	"github.com/MrEthical07/goState/kv"
	"github.com/MrEthical07/goState/presence"
	"github.com/MrEthical07/goState/session"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Engine is the ephemeral-state layer: admission control, session and
// connection presence, and tag-based cache invalidation over one Redis.
//
// Engine is safe for concurrent use. Every operation is a round trip to
// Redis; nothing is cached in-process except the optional near cache tier.
type Engine struct {
	config Config
	log    logrus.FieldLogger
	now    func() time.Time

	redis       redis.UniversalClient
	kv          kv.Store
	rateLimiter *rate.Limiter
	lockout     *limiters.LockoutLimiter
	windows     Windows
	sessions    *session.Store
	presence    *presence.Registry
	cache       *cache.Cache
	tokens      *jwt.Manager

	userProvider UserProvider
	audit        *auditDispatcher
	metrics      *Metrics
}

// Close flushes pending audit events and stops the cache subscriber.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			e.log.WithError(err).Warn("goState: cache close failed")
		}
	}
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Cache exposes the tag-indexed cache so write paths can record tagged
// entries that the Invalidate* methods later remove.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// KV exposes the plain key-value store.
func (e *Engine) KV() kv.Store {
	return e.kv
}

// Ping checks the store and reports its round-trip time.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	d, err := e.sessions.Ping(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	return d, nil
}

// Logger returns the engine's logger.
func (e *Engine) Logger() logrus.FieldLogger {
	return e.log
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of all counters. It is empty when metrics
// are disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricAdd(id MetricID, n uint64) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Add(id, n)
}

// storeErr tags a component error as a store failure while keeping the
// component sentinel reachable through errors.Is.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// componentErr wraps err with ErrStoreUnavailable only when it is the
// component's unavailability sentinel; codec and validation errors pass
// through unchanged.
func componentErr(err, unavailable error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unavailable) {
		return storeErr(err)
	}
	return err
}
