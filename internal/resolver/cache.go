package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache stores resolved metadata by content id.
type Cache interface {
	Get(ctx context.Context, contentID string) (Metadata, bool, error)
	Set(ctx context.Context, contentID string, md Metadata, ttl time.Duration) error
}

// Cached merges concurrent lookups of the same id and, when a Cache is set,
// serves repeated lookups from it. Cache failures never fail a lookup.
type Cached struct {
	next   Resolver
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

func NewCached(next Resolver, cache Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *Cached) Resolve(ctx context.Context, contentID string) (Metadata, error) {
	if c.cache != nil {
		md, ok, err := c.cache.Get(ctx, contentID)
		if err != nil {
			c.logger.Warn("metadata cache read failed", "contentId", contentID, "error", err)
		} else if ok {
			return md, nil
		}
	}

	v, err, _ := c.group.Do(contentID, func() (any, error) {
		md, err := c.next.Resolve(ctx, contentID)
		if err != nil {
			return Metadata{}, err
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, contentID, md, c.ttl); err != nil {
				c.logger.Warn("metadata cache write failed", "contentId", contentID, "error", err)
			}
		}
		return md, nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return v.(Metadata), nil
}

// RedisCache keeps metadata as JSON strings under a key prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Addr         string
	Password     string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "peekrelay:video:"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) Get(ctx context.Context, contentID string) (Metadata, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+contentID).Result()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Metadata{}, false, fmt.Errorf("decode cached metadata: %w", err)
	}
	return md, true, nil
}

func (r *RedisCache) Set(ctx context.Context, contentID string, md Metadata, ttl time.Duration) error {
	payload, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return r.client.Set(ctx, r.prefix+contentID, payload, ttl).Err()
}
