package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	plans        ports.PlanStore
	pool         *workers.Pool
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	Plans        ports.PlanStore
	Pool         *workers.Pool
	Logger       *zap.Logger

	// Gatherer backs /metrics; defaults to the prometheus default registry
	Gatherer prometheus.Gatherer

	// RateLimit is requests per second across the API; zero disables limiting
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		plans:        cfg.Plans,
		pool:         cfg.Pool,
		logger:       logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.setupRoutes(gatherer, limiter)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer, limiter *rate.Limiter) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	if limiter != nil {
		v1.Use(rateLimitMiddleware(limiter))
	}
	{
		// Plan endpoints
		v1.POST("/plans", s.handleSavePlan)
		v1.GET("/plans", s.handleListPlans)
		v1.GET("/plans/:id", s.handleGetPlan)
		v1.DELETE("/plans/:id", s.handleDeletePlan)
		v1.POST("/plans/:id/instances", s.handleStartInstance)

		// Instance endpoints
		v1.GET("/instances", s.handleQueryHistory)
		v1.GET("/instances/:id", s.handleGetStatus)
		v1.POST("/instances/:id/pause", s.handlePause)
		v1.POST("/instances/:id/resume", s.handleResume)
		v1.POST("/instances/:id/cancel", s.handleCancel)

		// Ledger endpoints
		v1.GET("/instances/:id/events", s.handleQueryLedger)
		v1.POST("/instances/:id/decisions", s.handleRecordDecision)
		v1.POST("/instances/:id/actions", s.handleRecordAction)
		v1.POST("/instances/:id/compensations", s.handleRecordCompensation)

		v1.POST("/maintenance/cleanup", s.handleCleanup)
		v1.GET("/workers", s.handleWorkers)
	}
}

// SetupWebSocket adds WebSocket handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleInstanceStream(*gin.Context)
}) {
	s.router.GET("/api/v1/instances/:id/ws", handler.HandleInstanceStream)
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
