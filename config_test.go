package goState

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.FailurePolicy != FailClosed {
		t.Fatalf("expected fail-closed default, got %q", cfg.FailurePolicy)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "fail open",
			mutate:    func(c *Config) { c.FailurePolicy = FailOpen },
			wantValid: true,
		},
		{
			name:      "unknown failure policy",
			mutate:    func(c *Config) { c.FailurePolicy = "maybe" },
			wantValid: false,
		},
		{
			name:      "zero login window",
			mutate:    func(c *Config) { c.RateLimit.Login.Length = 0 },
			wantValid: false,
		},
		{
			name:      "zero api max requests",
			mutate:    func(c *Config) { c.RateLimit.API.MaxRequests = 0 },
			wantValid: false,
		},
		{
			name:      "zero lockout attempts",
			mutate:    func(c *Config) { c.Lockout.MaxAttempts = 0 },
			wantValid: false,
		},
		{
			name:      "negative session ttl",
			mutate:    func(c *Config) { c.Session.TTL = -time.Second },
			wantValid: false,
		},
		{
			name:      "colliding prefixes",
			mutate:    func(c *Config) { c.Connection.KeyPrefix = c.Session.KeyPrefix },
			wantValid: false,
		},
		{
			name: "near cache without ttl",
			mutate: func(c *Config) {
				c.Cache.LocalSize = 128
				c.Cache.LocalTTL = 0
			},
			wantValid: false,
		},
		{
			name: "tokens with short secret",
			mutate: func(c *Config) {
				c.Token.Enabled = true
				c.Token.Secret = "short"
			},
			wantValid: false,
		},
		{
			name: "tokens with hs256 secret",
			mutate: func(c *Config) {
				c.Token.Enabled = true
				c.Token.Secret = testTokenSecret
			},
			wantValid: true,
		},
		{
			name: "tokens with unknown method",
			mutate: func(c *Config) {
				c.Token.Enabled = true
				c.Token.SigningMethod = "rs256"
			},
			wantValid: false,
		},
		{
			name: "histograms without metrics",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.EnableLatencyHistograms = true
			},
			wantValid: false,
		},
		{
			name: "audit without buffer",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.BufferSize = 0
			},
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	data := []byte(`
failure_policy: fail_open
rate_limit:
  api:
    length: 30s
    max_requests: 50
session:
  ttl: 2h
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.FailurePolicy != FailOpen {
		t.Fatalf("expected fail_open, got %q", cfg.FailurePolicy)
	}
	if cfg.RateLimit.API.Length != 30*time.Second || cfg.RateLimit.API.MaxRequests != 50 {
		t.Fatalf("unexpected api window %+v", cfg.RateLimit.API)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Fatalf("expected 2h session ttl, got %v", cfg.Session.TTL)
	}
	if cfg.RateLimit.Login.MaxRequests != 5 || cfg.Session.KeyPrefix != "ss" {
		t.Fatal("fields absent from the file must keep their defaults")
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	if _, err := ParseConfig([]byte("lockout:\n  max_attempts: 0\n")); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := ParseConfig([]byte("session: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gostate.yaml")
	if err := os.WriteFile(path, []byte("connection:\n  ttl: 90m\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Connection.TTL != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", cfg.Connection.TTL)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
