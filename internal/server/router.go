package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peekrelay/internal/auth"
	"peekrelay/internal/handler"
	"peekrelay/internal/hub"
	"peekrelay/internal/logging"
	"peekrelay/internal/middleware"
	"peekrelay/internal/registry"
)

type Deps struct {
	Engine      handler.MessageHandler
	Registry    *registry.Registry
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	// WSLimiter bounds upgrade attempts per client IP. Nil disables it.
	WSLimiter *middleware.RateLimiter
	Logger    *slog.Logger
	Started   time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := deps.Started
	if started.IsZero() {
		started = time.Now()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logging.WithComponent(logger, "http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	wsHandler := &handler.WebSocketHandler{Engine: deps.Engine, Hub: deps.Hub, Logger: logging.WithComponent(logger, "ws")}
	wsChain := []gin.HandlerFunc{}
	if deps.WSLimiter != nil {
		wsChain = append(wsChain, middleware.RateLimitMiddleware(deps.WSLimiter))
	}
	r.GET("/ws", append(wsChain, wsHandler.Serve)...)

	admin := r.Group("/v1/admin")
	admin.Use(middleware.RequireAdmin(deps.TokenConfig, logging.WithComponent(logger, "admin")))
	adminHandler := &handler.AdminHandler{Registry: deps.Registry, Hub: deps.Hub, Started: started}
	admin.GET("/connections", adminHandler.Connections)
	admin.GET("/stats", adminHandler.Stats)

	return r
}
