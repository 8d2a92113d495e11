package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/audit"
	"github.com/immunolab/immunolab-server/internal/auth"
	"github.com/immunolab/immunolab-server/internal/cache"
	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/live"
	"github.com/immunolab/immunolab-server/internal/middleware"
	"github.com/immunolab/immunolab-server/internal/service"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators of the HTTP server. Audit, Hub, Cache
// and Auth are optional; a nil Auth installs the development identity.
type Dependencies struct {
	Service      *service.LabService
	Audit        audit.Store
	Hub          *live.Hub
	Cache        *cache.GuidelineCache
	Auth         *auth.Authenticator
	HealthChecks map[string]HealthCheck
	Logger       *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	deps          Dependencies
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Dependencies) *Server {
	cfg := configManager.GetConfig()

	switch cfg.Server.Environment {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	useJSONFieldNames()

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	server := &Server{
		configManager: configManager,
		deps:          deps,
		logger:        logger,
		router:        router,
	}

	server.setupRoutes(cfg)

	return server
}

// Handler returns the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes(cfg *domain.Config) {
	s.router.GET("/health", s.handleHealth)

	authn := auth.DevMiddleware(cfg.Auth.DevUserID)
	if s.deps.Auth != nil {
		authn = s.deps.Auth.Middleware()
	}

	v1 := s.router.Group("/api/v1", authn)
	if cfg.RateLimit.Enabled {
		v1.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimit)))
	}

	admin := auth.RequireRole(domain.RoleAdmin)
	patientAccess := auth.RequirePatientAccess("id")

	v1.POST("/evaluate", s.handleEvaluate)

	guidelines := v1.Group("/guidelines")
	{
		guidelines.POST("/validate", s.handleValidateGuideline)
		guidelines.GET("", s.handleListGuidelineDocuments)
		guidelines.GET("/:category", s.handleGetGuidelineDocument)
		guidelines.PUT("/:category", admin, s.handleSaveGuideline)
		guidelines.DELETE("/:category/:name", admin, s.handleDeleteGuideline)
	}

	patients := v1.Group("/patients")
	{
		patients.POST("", admin, s.handleRegisterPatient)
		patients.GET("", admin, s.handleSearchPatients)
		patients.GET("/:id", patientAccess, s.handleGetPatient)
		patients.PATCH("/:id", patientAccess, s.handleUpdatePatient)
		patients.GET("/:id/results", patientAccess, s.handlePatientResults)
		patients.POST("/:id/results", admin, s.handleRecordResult)
		patients.GET("/:id/summary", patientAccess, s.handleSummary)
		patients.GET("/:id/results/:testType/evaluation", patientAccess, s.handleEvaluateSeries)
		patients.GET("/:id/results/:testType/chart", patientAccess, s.handleChart)
		patients.GET("/:id/live", patientAccess, s.handleLive)
	}

	v1.GET("/audit", admin, s.handleAudit)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.deps.HealthChecks))
	for name, check := range s.deps.HealthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"checks":    checks,
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	c.JSON(code, body)
}

// corsMiddleware adds CORS headers to responses. An empty list allows any
// origin without credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0 || allowed["*"]:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
