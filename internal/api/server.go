// Package api is the operator HTTP surface of the engine: fleet lifecycle,
// risk controls, autonomy and learning inspection, metrics and a live
// event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"bot-fleet-engine/internal/auth"
	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/autopilot"
	"bot-fleet-engine/internal/database"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/logging"
)

// RateLimiter hands out a token bucket per key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows n requests per window per key
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(n)),
		burst:    n,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// JournalReader serves closed trades from the append-only journal
type JournalReader interface {
	RecentTrades(ctx context.Context, botID string, limit int) ([]database.JournalEntry, error)
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	engine   *autopilot.Engine
	autonomy *autonomy.Controller
	eventBus *events.EventBus
	journal  JournalReader
	hub      *WSHub

	jwt       *auth.JWTManager
	keys      *auth.KeyManager
	operators []auth.Operator

	metrics     http.Handler
	checks      map[string]HealthCheck
	rateLimiter *RateLimiter
	logger      *logging.Logger
	startedAt   time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProductionMode bool
	MetricsPath    string
}

// Option configures a Server
type Option func(*Server)

// WithAuth protects the API with operator tokens. Without it every request
// runs as a local admin.
func WithAuth(jwt *auth.JWTManager, keys *auth.KeyManager, operators []auth.Operator) Option {
	return func(s *Server) {
		s.jwt = jwt
		s.keys = keys
		s.operators = operators
	}
}

// WithAutonomy exposes the autonomy controller
func WithAutonomy(c *autonomy.Controller) Option { return func(s *Server) { s.autonomy = c } }

// WithEventBus streams events over /ws/events and serves the feed
func WithEventBus(b *events.EventBus) Option { return func(s *Server) { s.eventBus = b } }

// WithJournal serves the trade journal
func WithJournal(j JournalReader) Option { return func(s *Server) { s.journal = j } }

// WithMetrics mounts a Prometheus handler at the configured path
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithHealthCheck adds a named dependency probe to /health
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a new API server
func NewServer(config ServerConfig, engine *autopilot.Engine, opts ...Option) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &Server{
		config:      config,
		engine:      engine,
		checks:      make(map[string]HealthCheck),
		rateLimiter: NewRateLimiter(10, time.Minute),
		logger:      logging.WithComponent("api"),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s.router = router

	if s.eventBus != nil {
		s.hub = InitWebSocket(s.eventBus)
	}

	s.setupRoutes()
	return s
}

func (s *Server) authEnabled() bool {
	return s.jwt != nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET(s.config.MetricsPath, gin.WrapH(s.metrics))
	}

	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled()})
	})
	if s.authEnabled() {
		authGroup := s.router.Group("/api/auth", s.rateLimitMiddleware())
		auth.NewHandlers(s.jwt, s.keys, s.operators).RegisterRoutes(authGroup)
	}

	authenticate := auth.Passthrough()
	if s.authEnabled() {
		authenticate = auth.Middleware(s.jwt)
	}

	if s.hub != nil {
		s.router.GET("/ws/events", authenticate, s.handleWebSocket)
	}

	api := s.router.Group("/api", authenticate)

	// read-only
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEventFeed)

		api.GET("/bots", s.handleListBots)
		api.GET("/bots/:id", s.handleGetBot)
		api.GET("/bots/:id/risk", s.handleBotRisk)
		api.GET("/bots/:id/learning", s.handleLearningReport)
		api.GET("/bots/:id/journal", s.handleBotJournal)

		api.GET("/radar", s.handleRadar)

		api.GET("/risk/config", s.handleGetRiskConfig)
		api.GET("/risk/positions", s.handlePositionHealth)
		api.GET("/risk/portfolio", s.handlePortfolio)

		api.GET("/learning/effectiveness", s.handleLearningEffectiveness)
	}

	op := api.Group("", auth.RequireRole(auth.RoleOperator))
	{
		op.POST("/bots", s.handleCreateBot)
		op.POST("/bots/:id/start", s.handleStartBot)
		op.POST("/bots/:id/stop", s.handleStopBot)
		op.POST("/bots/:id/close", s.handleClosePositions)
		op.POST("/bots/:id/archive", s.handleArchiveBot)
		op.POST("/bots/:id/restore", s.handleRestoreBot)
		op.DELETE("/bots/:id", s.handleDeleteBot)
		op.POST("/bots/transfer", s.handleTransfer)

		op.PUT("/risk/config", s.handleUpdateRiskConfig)
	}

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/risk/emergency-stop", s.handleEmergencyStop)
		admin.POST("/risk/resume", s.handleResume)
	}

	if s.autonomy != nil {
		api.GET("/autonomy/status", s.handleAutonomyStatus)
		api.GET("/autonomy/suggestions", s.handleSuggestions)
		api.GET("/autonomy/history", s.handleAutonomyHistory)

		op.PUT("/autonomy/level", s.handleSetLevel)
		op.DELETE("/autonomy/level", s.handleClearOverride)
		op.PATCH("/autonomy/config", s.handleConfigureAutonomy)
		op.POST("/autonomy/suggestions/:id/approve", s.handleApproveSuggestion)
		op.PUT("/autonomy/sniper", s.handleSetSniper)
		op.POST("/autonomy/sniper/tune", s.handleSniperTune)
		op.POST("/autonomy/sniper/blacklist/:symbol", s.handleToggleBlacklist)
	}
}

// rateLimitMiddleware limits requests per client IP and path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP() + " " + c.FullPath()) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr, "auth", s.authEnabled())

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth probes every registered dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
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
