package goState

import (
	"errors"
	"os"
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

// Builder assembles an Engine. A Builder can be used for one Build only.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	kv     kv.Store
	logger logrus.FieldLogger
	now    func() time.Time

	userProvider UserProvider
	auditSink    AuditSink

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the backing store. Any go-redis client works, including
// cluster and ring clients.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithKVStore overrides the plain key-value store used for cache reads.
// By default it is a RedisStore over the client given to WithRedis.
func (b *Builder) WithKVStore(store kv.Store) *Builder {
	b.kv = store
	return b
}

func (b *Builder) WithLogger(logger logrus.FieldLogger) *Builder {
	b.logger = logger
	return b
}

// WithUserProvider is required for Login only.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) WithFailurePolicy(policy FailurePolicy) *Builder {
	b.config.FailurePolicy = policy
	return b
}

// WithClock replaces time.Now for window arithmetic, record timestamps and
// token validation.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	logger := b.logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.InfoLevel)
		logger = l
	}

	store := b.kv
	if store == nil {
		store = kv.NewRedisStore(b.redis)
	}

	engine := &Engine{
		config:       cfg,
		log:          logger.WithField("component", "goState"),
		now:          now,
		redis:        b.redis,
		kv:           store,
		userProvider: b.userProvider,
	}

	// -------- ADMISSION CONTROL --------
	engine.rateLimiter = rate.New(b.redis, rate.Config{
		Prefix: cfg.RateLimit.KeyPrefix,
	})
	engine.lockout = limiters.NewLockoutLimiter(b.redis, limiters.LockoutConfig{
		Prefix:    cfg.Lockout.KeyPrefix,
		Threshold: cfg.Lockout.MaxAttempts,
	})
	engine.windows = windowsFromConfig(cfg.RateLimit)

	// -------- REGISTRIES --------
	engine.sessions = session.NewStore(b.redis, session.Config{
		Prefix: cfg.Session.KeyPrefix,
		TTL:    cfg.Session.TTL,
		Now:    now,
	})
	engine.presence = presence.NewRegistry(b.redis, presence.Config{
		Prefix: cfg.Connection.KeyPrefix,
		TTL:    cfg.Connection.TTL,
		Now:    now,
	})

	// -------- CACHE --------
	engine.cache = cache.New(b.redis, store, cache.Config{
		Prefix:     cfg.Cache.KeyPrefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		LocalSize:  cfg.Cache.LocalSize,
		LocalTTL:   cfg.Cache.LocalTTL,
		Channel:    cfg.Cache.Channel,
		Logger:     engine.log.WithField("component", "cache"),
	})

	// -------- TOKENS --------
	if cfg.Token.Enabled {
		jcfg := jwt.Config{
			TTL:           cfg.Token.TTL,
			SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
			Issuer:        cfg.Token.Issuer,
			Audience:      cfg.Token.Audience,
			Leeway:        cfg.Token.Leeway,
		}
		if jcfg.SigningMethod == jwt.MethodHS256 {
			jcfg.PrivateKey = []byte(cfg.Token.Secret)
		} else {
			jcfg.PrivateKey = []byte(cfg.Token.PrivateKeyPEM)
			jcfg.PublicKey = []byte(cfg.Token.PublicKeyPEM)
		}
		jm, err := jwt.NewManager(jcfg)
		if err != nil {
			return nil, err
		}
		jm.SetClock(now)
		engine.tokens = jm
	}

	engine.metrics = NewMetrics(cfg.Metrics)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)

	b.built = true

	return engine, nil
}
