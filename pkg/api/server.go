package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"autonode/pkg/api/middleware"
	"autonode/pkg/auth"
	"autonode/pkg/logger"
	"autonode/pkg/models"
	"autonode/pkg/observability"
)

// NodeService is the part of a node the HTTP surface drives.
type NodeService interface {
	ID() string
	ClaimTask(ctx context.Context, task models.Task) (uint64, error)
	CollectItem(ctx context.Context, key string) (*models.Item, error)
	StoreItem(ctx context.Context, item *models.Item) error
	LocalItem(ctx context.Context, key string) (*models.Item, error)
	Pending() (claims, collects int)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator
	log        *zap.Logger

	node   NodeService
	health map[string]HealthCheck
}

// Config holds API server configuration.
type Config struct {
	Port         string
	Node         NodeService
	JWTService   *auth.JWTService // nil disables authentication
	RateLimit    middleware.RateLimiterConfig
	MaxBodyBytes int64
	ServiceName  string
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

// DefaultConfig returns defaults for port.
func DefaultConfig(port string) Config {
	return Config{
		Port:         port,
		RateLimit:    middleware.DefaultRateLimiterConfig(),
		MaxBodyBytes: 1 << 20,
		ServiceName:  "autonode",
	}
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("api")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "autonode"
	}

	router := gin.New()
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName, cfg.Node.ID()))
	router.Use(middleware.MetricsMiddleware("/health"))
	router.Use(requestLogger(log))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(cfg.MaxBodyBytes))

	s := &Server{
		router:    router,
		limiter:   limiter,
		validator: middleware.NewValidator(middleware.DefaultValidatorConfig()),
		log:       log,
		node:      cfg.Node,
		health:    cfg.HealthChecks,
	}

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

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(jwtService *auth.JWTService) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authEnabled := jwtService != nil
	v1 := s.router.Group("/api/v1")
	if authEnabled {
		v1.Use(middleware.AuthMiddleware(middleware.AuthConfig{JWTService: jwtService}))
	}
	{
		v1.GET("/node", middleware.RequireRole(auth.RoleViewer, authEnabled), s.getNode)

		v1.POST("/claims", middleware.RequireRole(auth.RoleOperator, authEnabled), s.claimTask)
		v1.GET("/collect/:key", middleware.RequireRole(auth.RoleViewer, authEnabled), s.collectItem)

		items := v1.Group("/items")
		{
			items.PUT("/:key", middleware.RequireRole(auth.RoleOperator, authEnabled), s.putItem)
			items.GET("/:key", middleware.RequireRole(auth.RoleViewer, authEnabled), s.getItem)
		}
	}
}

// requestLogger logs every request through zap.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetRequestID(c)),
		}
		if traceID := observability.TraceID(c.Request.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]bool, len(s.health))
	healthy := true
	for name, check := range s.health {
		err := check(ctx)
		deps[name] = err == nil
		if err != nil {
			healthy = false
			s.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"node_id":      s.node.ID(),
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
