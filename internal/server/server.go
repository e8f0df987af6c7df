// Package server provides the main HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/clock"
	"github.com/poemonsense/codeassist-gateway/internal/config"
	"github.com/poemonsense/codeassist-gateway/internal/dispatch"
	"github.com/poemonsense/codeassist-gateway/internal/modellog"
	"github.com/poemonsense/codeassist-gateway/internal/pool"
	"github.com/poemonsense/codeassist-gateway/internal/ratelimit"
	"github.com/poemonsense/codeassist-gateway/internal/server/handlers"
	"github.com/poemonsense/codeassist-gateway/internal/stats"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/token"
	"github.com/poemonsense/codeassist-gateway/internal/upstream"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
	"github.com/poemonsense/codeassist-gateway/pkg/redis"
)

// Server represents the main HTTP server
type Server struct {
	engine     *gin.Engine
	cfg        *config.Config
	store      *store.Store
	tokens     *token.Manager
	pool       *pool.Pool
	limiter    *ratelimit.Limiter
	client     *upstream.Client
	dispatcher *dispatch.Dispatcher
	mlog       *modellog.Logger
	stats      *stats.Recorder
	httpServer *http.Server
}

// New wires the full gateway: store, token manager, pool, limiter, upstream
// client, and dispatcher.
func New(cfg *config.Config, st *store.Store) (*Server, error) {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	clk := clock.System()
	mlog := modellog.New(500)

	// Token refreshes ride the same transport (proxy, connect timeout).
	httpClient, err := upstream.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	tokens := token.NewManager(st, cfg, clk, httpClient)
	client := upstream.NewClient(cfg, tokens, mlog, httpClient)

	accountPool := pool.New(st, cfg, clk, tokens)
	limiter := ratelimit.New(cfg.MaxConcurrent)
	dispatcher := dispatch.New(cfg, clk, accountPool, limiter, client, st)

	var recorder *stats.Recorder
	if cfg.RedisAddr != "" {
		redisClient, err := redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Server] Redis unavailable, usage stats disabled: %v", err)
		} else {
			recorder = stats.NewRecorder(redisClient)
			utils.Info("[Server] Usage stats enabled via Redis at %s", cfg.RedisAddr)
		}
	}

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		store:      st,
		tokens:     tokens,
		pool:       accountPool,
		limiter:    limiter,
		client:     client,
		dispatcher: dispatcher,
		mlog:       mlog,
		stats:      recorder,
	}
	s.setupRoutes()
	return s, nil
}

// Dispatcher exposes the request state machine. Used by tests.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.store)
	modelsHandler := handlers.NewModelsHandler(s.cfg, s.store)
	chatHandler := handlers.NewChatHandler(s.dispatcher, s.stats)
	generateHandler := handlers.NewGenerateHandler(s.dispatcher, s.stats)
	accountsHandler := handlers.NewAccountsHandler(s.store, s.tokens)
	adminHandler := handlers.NewAdminHandler(s.store, s.mlog)
	statusHandler := handlers.NewStatusHandler(s.pool, s.stats)

	s.engine.GET("/health", healthHandler.Health)

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.store))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/chat/completions", func(c *gin.Context) {
			chatHandler.ChatCompletions(c, apiKeyFromContext(c))
		})
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(APIKeyAuthMiddleware(s.store))
	{
		v1beta.POST("/models/*modelAction", func(c *gin.Context) {
			generateHandler.Generate(c, apiKeyFromContext(c))
		})
	}

	admin := s.engine.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.cfg))
	{
		admin.GET("/accounts", accountsHandler.List)
		admin.POST("/accounts", accountsHandler.Create)
		admin.DELETE("/accounts/:id", accountsHandler.Delete)
		admin.PATCH("/accounts/:id/status", accountsHandler.SetStatus)
		admin.POST("/accounts/:id/initialize", accountsHandler.Initialize)

		admin.GET("/keys", adminHandler.ListKeys)
		admin.POST("/keys", adminHandler.CreateKey)
		admin.DELETE("/keys/:id", adminHandler.DeleteKey)

		admin.GET("/logs/requests", adminHandler.ListRequestLogs)
		admin.GET("/logs/upstream", adminHandler.ListModelLogs)
		admin.GET("/logs/server", adminHandler.ListServerLogs)

		admin.GET("/models/mappings", adminHandler.ListMappings)
		admin.PUT("/models/mappings", adminHandler.UpsertMapping)
		admin.DELETE("/models/mappings/:alias", adminHandler.DeleteMapping)

		admin.GET("/pool", statusHandler.PoolStatus)
		admin.GET("/stats", statusHandler.UsageStats)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
				"code":    "internal_error",
			},
		})
	})
}

// Handler returns the underlying handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run(addr string) error {
	utils.Info("[Server] Starting on %s", addr)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		// No write timeout: streaming responses may run for minutes.
		IdleTimeout: 120 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
