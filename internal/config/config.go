package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Host        string
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	LogLevel  string
	LogFormat string

	StoreDriver string
	DatabaseURL string
	DBMaxConns  int32
	StateFile   string

	YouTubeAPIKey     string
	YouTubeAPIBaseURL string
	ResolverTimeout   time.Duration
	RedisAddr         string
	RedisPassword     string
	MetadataCacheTTL  time.Duration

	AdminSecret string
	TokenExpiry time.Duration

	WSConnectLimitPerMinute int
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Host:                    "0.0.0.0",
		Port:                    3000,
		GinMode:                 "release",
		LogLevel:                "info",
		LogFormat:               "json",
		StoreDriver:             StoreMemory,
		DBMaxConns:              10,
		ResolverTimeout:         5 * time.Second,
		MetadataCacheTTL:        24 * time.Hour,
		TokenExpiry:             24 * time.Hour,
		WSConnectLimitPerMinute: 60,
	}

	if raw := env.Getenv("HOST"); raw != "" {
		cfg.Host = raw
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		cfg.StoreDriver = raw
	}
	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		cfg.DatabaseURL = env.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	if raw := env.Getenv("DB_MAX_CONNS"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNS")
		}
		cfg.DBMaxConns = int32(n)
	}

	cfg.StateFile = env.Getenv("STATE_FILE")

	cfg.YouTubeAPIKey = env.Getenv("YOUTUBE_API_KEY")
	cfg.YouTubeAPIBaseURL = env.Getenv("YOUTUBE_API_BASE_URL")

	var err error
	if cfg.ResolverTimeout, err = secondsVar(env, "RESOLVER_TIMEOUT_SECONDS", cfg.ResolverTimeout); err != nil {
		return Config{}, err
	}

	cfg.RedisAddr = env.Getenv("REDIS_ADDR")
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")
	if cfg.MetadataCacheTTL, err = secondsVar(env, "METADATA_CACHE_TTL_SECONDS", cfg.MetadataCacheTTL); err != nil {
		return Config{}, err
	}

	cfg.AdminSecret = env.Getenv("ADMIN_SECRET")
	if cfg.TokenExpiry, err = secondsVar(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("WS_CONNECT_LIMIT_PER_MINUTE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid WS_CONNECT_LIMIT_PER_MINUTE")
		}
		cfg.WSConnectLimitPerMinute = n
	}

	return cfg, nil
}

func secondsVar(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}
