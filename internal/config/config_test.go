package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Fatalf("expected default addr 0.0.0.0:3000, got %q", cfg.Addr())
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.StoreDriver)
	}
	if cfg.ResolverTimeout != 5*time.Second {
		t.Fatalf("expected 5s resolver timeout, got %v", cfg.ResolverTimeout)
	}
	if cfg.WSConnectLimitPerMinute != 60 {
		t.Fatalf("expected ws limit 60, got %d", cfg.WSConnectLimitPerMinute)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"HOST":                        "127.0.0.1",
		"PORT":                        "1234",
		"STORE_DRIVER":                "postgres",
		"DATABASE_URL":                "postgres://localhost/peek",
		"DB_MAX_CONNS":                "4",
		"RESOLVER_TIMEOUT_SECONDS":    "2",
		"METADATA_CACHE_TTL_SECONDS":  "60",
		"TOKEN_EXPIRY_SECONDS":        "30",
		"WS_CONNECT_LIMIT_PER_MINUTE": "0",
		"LOG_FORMAT":                  "text",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Addr() != "127.0.0.1:1234" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
	if cfg.DBMaxConns != 4 {
		t.Fatalf("expected 4 conns, got %d", cfg.DBMaxConns)
	}
	if cfg.ResolverTimeout != 2*time.Second || cfg.MetadataCacheTTL != time.Minute || cfg.TokenExpiry != 30*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.WSConnectLimitPerMinute != 0 {
		t.Fatalf("expected ws limit disabled, got %d", cfg.WSConnectLimitPerMinute)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected text log format, got %q", cfg.LogFormat)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]mapEnv{
		"bad port":             {"PORT": "99999"},
		"postgres without dsn": {"STORE_DRIVER": "postgres"},
		"unknown driver":       {"STORE_DRIVER": "mongo"},
		"bad timeout":          {"RESOLVER_TIMEOUT_SECONDS": "soon"},
		"zero ttl":             {"METADATA_CACHE_TTL_SECONDS": "0"},
		"bad conns":            {"DB_MAX_CONNS": "-1"},
		"half tls":             {"TLS_CERT_FILE": "cert.pem"},
		"negative ws limit":    {"WS_CONNECT_LIMIT_PER_MINUTE": "-5"},
	}
	for name, env := range cases {
		if _, err := LoadConfigFromEnv(env); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
