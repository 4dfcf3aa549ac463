// Package api exposes the execution engine over HTTP and a per-user websocket stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/cache"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/database"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/metrics"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// JournalReader lists persisted trade history
type JournalReader interface {
	ListRecent(ctx context.Context, userID string, limit int) ([]database.JournalEntry, error)
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	sessions    *autopilot.Registry
	authService *auth.Service
	status      *cache.StatusCache
	journal     JournalReader
	healthCheck func(ctx context.Context) error
	cacheStats  func() cache.Stats
	hub         *UserWSHub
	authLimiter *RateLimiter
	logger      *logging.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
	ProductionMode bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsPath    string // empty disables the metrics endpoint
}

// ServerConfigFrom maps the application server and metrics sections
func ServerConfigFrom(s config.ServerConfig, m config.MetricsConfig, production bool) ServerConfig {
	cfg := ServerConfig{
		Port:           s.Port,
		Host:           s.Host,
		AllowedOrigins: s.Origins(),
		ProductionMode: production,
		ReadTimeout:    time.Duration(s.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(s.WriteTimeout) * time.Second,
	}
	if m.Enabled {
		cfg.MetricsPath = m.Path
		if cfg.MetricsPath == "" {
			cfg.MetricsPath = "/metrics"
		}
	}
	return cfg
}

// Deps are the services the API serves
type Deps struct {
	Sessions *autopilot.Registry
	Auth     *auth.Service
	Status   *cache.StatusCache
	// Journal and HealthCheck are nil when the database is disabled
	Journal     JournalReader
	HealthCheck func(ctx context.Context) error
	// CacheStats is nil when redis is disabled; a degraded cache is reported but not fatal
	CacheStats func() cache.Stats
	Logger      *logging.Logger
}

// NewServer creates a new API server and starts its websocket hub
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestContext(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Request-ID"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	status := deps.Status
	if status == nil {
		status = cache.NewStatusCache(cache.NewMemoryStore(), 0)
	}

	server := &Server{
		router:      router,
		config:      config,
		sessions:    deps.Sessions,
		authService: deps.Auth,
		status:      status,
		journal:     deps.Journal,
		healthCheck: deps.HealthCheck,
		cacheStats:  deps.CacheStats,
		hub:         InitUserWebSocket(),
		authLimiter: NewRateLimiter(20, time.Minute), // login/refresh attempts per client IP
		logger:      logger.WithComponent("api"),
	}

	server.setupRoutes()
	return server
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// rateLimitMiddleware limits requests per client IP
func (s *Server) rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

// requestContext tags each request with a trace id (X-Request-ID when the client sends
// one), then counts and logs it by route and status
func requestContext(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, _ := logging.WithTraceContext(logging.NewContext(c.Request.Context(), logger), c.GetHeader("X-Request-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", logging.TraceIDFromContext(ctx))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		logging.APIContext(logging.FromContext(ctx), c.Request.Method, route, status).
			Debug("Request served", "duration_ms", time.Since(start).Milliseconds())
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.config.MetricsPath != "" {
		s.router.GET(s.config.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	authGroup := s.router.Group("/api/auth")
	authGroup.Use(s.rateLimitMiddleware(s.authLimiter))
	auth.NewHandlers(s.authService).RegisterRoutes(authGroup)

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.authService))
	{
		engine := api.Group("/engine")
		engine.POST("/start", s.handleStart)
		engine.POST("/stop", s.handleStop)
		engine.GET("/status", s.handleStatus)
		engine.GET("/logs", s.handleLogs)

		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handleUpdateConfig)
		api.GET("/balance", s.handleBalance)
		api.GET("/stop-loss", s.handleStopLoss)

		sig := api.Group("/signals")
		sig.GET("", s.handleListSignals)
		sig.PUT("", s.handleSaveSignals)
		sig.POST("", s.handleAddSignal)
		sig.DELETE("/:index", s.handleDeleteSignal)
		sig.POST("/upload", s.handleUploadSignals)

		trades := api.Group("/trades")
		trades.GET("", s.handleListTrades)
		trades.POST("", s.handleManualTrade)
		trades.POST("/check", s.handleCheckTrade)
		trades.GET("/journal", s.handleJournal)

		api.GET("/ws", s.handleUserWebSocket)
	}
}

// Start runs the HTTP server until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the websocket hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports process and database health
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":           "healthy",
		"sessions":         s.sessions.Count(),
		"running_sessions": s.sessions.RunningCount(),
		"ws_clients":       s.hub.GetTotalClientCount(),
		"time":             time.Now().Format(time.RFC3339),
	}
	if s.cacheStats != nil {
		body["cache"] = s.cacheStats()
	}

	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "healthy"
	}

	c.JSON(http.StatusOK, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
