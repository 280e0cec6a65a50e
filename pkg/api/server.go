package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stagehand/pkg/api/middleware"
	"stagehand/pkg/auth"
	"stagehand/pkg/metrics"
	"stagehand/pkg/resilience"
	"stagehand/pkg/storage"
)

// Server exposes deployment history over HTTP.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	log        *zap.Logger

	runs    storage.RunStore
	logs    storage.LogStore
	breaker *resilience.CircuitBreaker
}

// Config holds API server configuration.
type Config struct {
	Port       string
	Runs       storage.RunStore
	Logs       storage.LogStore // optional
	JWTService *auth.JWTService
	Logger     *zap.Logger
	RateLimit  middleware.RateLimiterConfig
	Breaker    resilience.CircuitBreakerConfig
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}

	router := gin.New()
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware("stagehand-api"))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware(middleware.DefaultMetricsConfig()))
	router.Use(middleware.RequestLogger(cfg.Logger))
	router.Use(limiter.Middleware())

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		cfg.Logger.Warn("circuit breaker changed state", zap.String("dependency", name), zap.String("state", to.String()))
	}

	s := &Server{
		router:  router,
		limiter: limiter,
		log:     cfg.Logger,
		runs:    cfg.Runs,
		logs:    cfg.Logs,
		breaker: resilience.NewCircuitBreaker("history", breakerCfg),
	}
	metrics.BreakerState.WithLabelValues("history").Set(0)

	s.registerRoutes(cfg.JWTService)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(jwtService *auth.JWTService) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(middleware.AuthConfig{JWTService: jwtService}))
	{
		runs := v1.Group("/runs")
		{
			runs.GET("", middleware.RequireRole(auth.RoleViewer), s.listRuns)
			runs.GET("/:id", middleware.RequireRole(auth.RoleViewer), s.getRun)
			runs.GET("/:id/log", middleware.RequireRole(auth.RoleOperator), s.getRunLog)
		}
	}
}

// healthCheck reports whether the history store is reachable.
func (s *Server) healthCheck(c *gin.Context) {
	state := s.breaker.State()
	deps := gin.H{
		"postgres":  s.runs != nil && state != resilience.CircuitOpen,
		"log_store": s.logs != nil,
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if s.runs == nil || state == resilience.CircuitOpen {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"breaker":      state.String(),
		"timestamp":    time.Now().UTC(),
	})
}
