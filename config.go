package goState

import (
	"errors"
	"strings"
	"time"
)

// Config is the full engine configuration. Build clones it, so later changes
// to the caller's copy have no effect on a running Engine.
type Config struct {
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Lockout       LockoutConfig    `yaml:"lockout"`
	Session       SessionConfig    `yaml:"session"`
	Connection    ConnectionConfig `yaml:"connection"`
	Cache         CacheConfig      `yaml:"cache"`
	Token         TokenConfig      `yaml:"token"`
	Audit         AuditConfig      `yaml:"audit"`
	Metrics       MetricsConfig    `yaml:"metrics"`
	FailurePolicy FailurePolicy    `yaml:"failure_policy"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// WindowConfig sizes one named fixed window.
type WindowConfig struct {
	Length      time.Duration `yaml:"length"`
	MaxRequests int           `yaml:"max_requests"`
}

// RateLimitConfig sizes the preset windows returned by Engine.Windows.
type RateLimitConfig struct {
	KeyPrefix       string       `yaml:"key_prefix"`
	Login           WindowConfig `yaml:"login"`
	API             WindowConfig `yaml:"api"`
	Create          WindowConfig `yaml:"create"`
	RealtimeConnect WindowConfig `yaml:"realtime_connect"`
}

// LockoutConfig controls failed-attempt counting.
type LockoutConfig struct {
	KeyPrefix   string        `yaml:"key_prefix"`
	Window      time.Duration `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
}

/*
====================================
REGISTRY CONFIG
====================================
*/

// SessionConfig controls the session registry.
type SessionConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ConnectionConfig controls the connection and room registry.
type ConnectionConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// CacheConfig controls the tag-indexed cache.
type CacheConfig struct {
	KeyPrefix  string        `yaml:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	LocalSize  int           `yaml:"local_size"`
	LocalTTL   time.Duration `yaml:"local_ttl"`
	Channel    string        `yaml:"channel"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls signed session handles. When disabled, Login returns
// only the raw session id.
type TokenConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	SigningMethod string        `yaml:"signing_method"` // "hs256" (default), "ed25519"
	Secret        string        `yaml:"secret"`
	PrivateKeyPEM string        `yaml:"private_key_pem"`
	PublicKeyPEM  string        `yaml:"public_key_pem"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// FailurePolicy decides what admission checks do when the store is
// unreachable.
type FailurePolicy string

const (
	// FailClosed denies the request and returns ErrStoreUnavailable.
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen admits the request and marks the result Degraded.
	FailOpen FailurePolicy = "fail_open"
)

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			KeyPrefix:       "rl",
			Login:           WindowConfig{Length: 15 * time.Minute, MaxRequests: 5},
			API:             WindowConfig{Length: time.Minute, MaxRequests: 100},
			Create:          WindowConfig{Length: time.Minute, MaxRequests: 10},
			RealtimeConnect: WindowConfig{Length: 5 * time.Minute, MaxRequests: 10},
		},
		Lockout: LockoutConfig{
			KeyPrefix:   "fa",
			Window:      time.Hour,
			MaxAttempts: 5,
		},
		Session: SessionConfig{
			KeyPrefix: "ss",
			TTL:       24 * time.Hour,
		},
		Connection: ConnectionConfig{
			KeyPrefix: "rt",
			TTL:       24 * time.Hour,
		},
		Cache: CacheConfig{
			KeyPrefix:  "cache",
			DefaultTTL: 5 * time.Minute,
			LocalSize:  0,
			LocalTTL:   30 * time.Second,
			Channel:    "cache:evict",
		},
		Token: TokenConfig{
			Enabled:       false,
			TTL:           24 * time.Hour,
			SigningMethod: "hs256",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		FailurePolicy: FailClosed,
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RateLimit.KeyPrefix) == "" {
		return errors.New("RateLimit KeyPrefix must be set")
	}
	for name, w := range map[string]WindowConfig{
		"Login":           c.RateLimit.Login,
		"API":             c.RateLimit.API,
		"Create":          c.RateLimit.Create,
		"RealtimeConnect": c.RateLimit.RealtimeConnect,
	} {
		if w.Length <= 0 {
			return errors.New("RateLimit " + name + " Length must be > 0")
		}
		if w.MaxRequests <= 0 {
			return errors.New("RateLimit " + name + " MaxRequests must be > 0")
		}
	}

	if strings.TrimSpace(c.Lockout.KeyPrefix) == "" {
		return errors.New("Lockout KeyPrefix must be set")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("Lockout Window must be > 0")
	}
	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("Lockout MaxAttempts must be > 0")
	}

	if strings.TrimSpace(c.Session.KeyPrefix) == "" {
		return errors.New("Session KeyPrefix must be set")
	}
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}

	if strings.TrimSpace(c.Connection.KeyPrefix) == "" {
		return errors.New("Connection KeyPrefix must be set")
	}
	if c.Connection.TTL <= 0 {
		return errors.New("Connection TTL must be > 0")
	}

	prefixes := map[string]string{}
	for name, p := range map[string]string{
		"RateLimit":  c.RateLimit.KeyPrefix,
		"Lockout":    c.Lockout.KeyPrefix,
		"Session":    c.Session.KeyPrefix,
		"Connection": c.Connection.KeyPrefix,
		"Cache":      c.Cache.KeyPrefix,
	} {
		if p == "" {
			continue
		}
		if other, ok := prefixes[p]; ok {
			return errors.New(name + " KeyPrefix collides with " + other)
		}
		prefixes[p] = name
	}

	if strings.TrimSpace(c.Cache.KeyPrefix) == "" {
		return errors.New("Cache KeyPrefix must be set")
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("Cache DefaultTTL must be > 0")
	}
	if c.Cache.LocalSize < 0 {
		return errors.New("Cache LocalSize must be >= 0")
	}
	if c.Cache.LocalSize > 0 && c.Cache.LocalTTL <= 0 {
		return errors.New("Cache LocalTTL must be > 0 when LocalSize is set")
	}

	if c.Token.Enabled {
		if c.Token.TTL <= 0 {
			return errors.New("Token TTL must be > 0")
		}
		switch c.Token.SigningMethod {
		case "hs256":
			if len(c.Token.Secret) < 32 {
				return errors.New("hs256 requires a Secret of at least 32 bytes")
			}
		case "ed25519":
			if c.Token.PrivateKeyPEM == "" || c.Token.PublicKeyPEM == "" {
				return errors.New("ed25519 requires PrivateKeyPEM and PublicKeyPEM")
			}
		default:
			return errors.New("unsupported Token signing method")
		}
		if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
			return errors.New("Token Leeway must be between 0 and 2m")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	switch c.FailurePolicy {
	case FailClosed, FailOpen:
	default:
		return errors.New("FailurePolicy must be fail_closed or fail_open")
	}

	return nil
}
