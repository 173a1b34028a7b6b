package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"peekrelay/internal/auth"
	"peekrelay/internal/config"
	"peekrelay/internal/dispatch"
	"peekrelay/internal/hub"
	"peekrelay/internal/logging"
	"peekrelay/internal/middleware"
	"peekrelay/internal/registry"
	"peekrelay/internal/resolver"
	"peekrelay/internal/server"
	"peekrelay/internal/store"
)

var (
	_ dispatch.Store = (*store.Store)(nil)
	_ dispatch.Store = (*store.Postgres)(nil)
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	res, closeCache := buildResolver(ctx, cfg, logger)
	defer closeCache()

	reg := registry.New()
	h := hub.New()
	engine := dispatch.New(dispatch.Options{
		Store:           st,
		Resolver:        res,
		Registry:        reg,
		Delivery:        h,
		ResolverTimeout: cfg.ResolverTimeout,
		Logger:          logging.WithComponent(logger, "dispatch"),
	})

	limiter := middleware.NewRateLimiter(cfg.WSConnectLimitPerMinute, time.Minute)
	go limiter.Run(ctx)

	tokens := auth.DefaultTokenConfig(cfg.AdminSecret, cfg.TokenExpiry)
	if !tokens.Enabled() {
		logger.Warn("ADMIN_SECRET not set, admin endpoints are disabled")
	}

	router := server.NewRouter(server.Deps{
		Engine:      engine,
		Registry:    reg,
		Hub:         h,
		TokenConfig: tokens,
		WSLimiter:   limiter,
		Logger:      logger,
	})
	return server.Run(ctx, cfg, router, logging.WithComponent(logger, "server"))
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (dispatch.Store, func(), error) {
	storeLogger := logging.WithComponent(logger, "store")
	if cfg.StoreDriver == config.StorePostgres {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.DatabaseURL,
			MaxConnections:  cfg.DBMaxConns,
			ApplicationName: "peekrelay",
		})
		if err != nil {
			return nil, nil, err
		}
		storeLogger.Info("using postgres store", "maxConns", cfg.DBMaxConns)
		return pg, pg.Close, nil
	}

	storeLogger.Info("using memory store", "stateFile", cfg.StateFile)
	return store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: storeLogger}), func() {}, nil
}

// buildResolver prefers the Data API when a key is configured and falls back
// to oEmbed otherwise. A reachable Redis adds a shared metadata cache.
func buildResolver(ctx context.Context, cfg config.Config, logger *slog.Logger) (resolver.Resolver, func()) {
	resLogger := logging.WithComponent(logger, "resolver")
	client := &http.Client{Timeout: cfg.ResolverTimeout}

	var base resolver.Resolver
	if cfg.YouTubeAPIKey != "" {
		base = resolver.NewYouTube(cfg.YouTubeAPIKey, cfg.YouTubeAPIBaseURL, client)
	} else {
		resLogger.Warn("YOUTUBE_API_KEY not set, using oEmbed")
		base = resolver.NewOEmbed("", client)
	}

	if cfg.RedisAddr == "" {
		return resolver.NewCached(base, nil, cfg.MetadataCacheTTL, resLogger), func() {}
	}

	cache, err := resolver.NewRedisCache(resolver.RedisConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err != nil {
		resLogger.Warn("metadata cache disabled", "error", err)
		return resolver.NewCached(base, nil, cfg.MetadataCacheTTL, resLogger), func() {}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		resLogger.Warn("metadata cache unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}
	return resolver.NewCached(base, cache, cfg.MetadataCacheTTL, resLogger), func() { _ = cache.Close() }
}
