// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/campaignhq/internal/admin"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/billing"
	"github.com/mbd888/campaignhq/internal/circuitbreaker"
	"github.com/mbd888/campaignhq/internal/config"
	"github.com/mbd888/campaignhq/internal/health"
	"github.com/mbd888/campaignhq/internal/impersonation"
	"github.com/mbd888/campaignhq/internal/logging"
	"github.com/mbd888/campaignhq/internal/metrics"
	"github.com/mbd888/campaignhq/internal/quota"
	"github.com/mbd888/campaignhq/internal/ratelimit"
	"github.com/mbd888/campaignhq/internal/realtime"
	"github.com/mbd888/campaignhq/internal/security"
	"github.com/mbd888/campaignhq/internal/settings"
	"github.com/mbd888/campaignhq/internal/traces"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/mbd888/campaignhq/internal/validation"
	"github.com/mbd888/campaignhq/internal/workspace"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health and the tracer resource.
var Version = "0.1.0"

const (
	maxOpenConns    = 25
	dbStatsInterval = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if rate-limit buckets are process-local

	users      user.Store
	workspaces workspace.Store
	journal    audit.Store
	settings   settings.Store

	issuer   *auth.SessionIssuer
	signer   *impersonation.Signer
	audit    *audit.Writer
	quota    *quota.Service
	admin    *admin.Service
	limiter  *ratelimit.Limiter
	buckets  *ratelimit.MemoryStore // nil when redis is configured
	realtime *realtime.Hub
	checks   *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStores(ctx); err != nil {
		return nil, err
	}

	limiterStore, err := s.openBuckets(ctx)
	if err != nil {
		return nil, err
	}
	s.limiter, err = ratelimit.New(ratelimit.Config{
		Capacity: cfg.AdminRateLimit,
		Window:   cfg.AdminRateWindow,
	}, limiterStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	s.issuer, err = auth.NewSessionIssuer(cfg.SessionSecret, auth.DefaultSessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}
	s.signer, err = impersonation.NewSigner(cfg.ImpersonationSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create impersonation signer: %w", err)
	}

	// Live feed of committed audit entries for super-admins
	s.realtime = realtime.NewHub(s.logger)
	s.audit = audit.NewWriter(s.journal, s.signer).WithPublisher(s.realtime)

	s.quota = quota.NewService(s.workspaces)
	s.admin = admin.NewService(s.users, s.workspaces, s.quota, s.settings, s.audit, s.signer)

	s.shutdownTraces, err = traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing unavailable", "error", err)
		s.shutdownTraces = func(context.Context) error { return nil }
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores sharing one audit journal.
func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.journal = audit.NewMemoryStore()
		s.users = user.NewMemoryStore(s.journal)
		s.workspaces = workspace.NewMemoryStore(s.journal)
		s.settings = settings.NewMemoryStore(s.journal)
		s.logger.Warn("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.journal = audit.NewPostgresStore(db)
	s.users = user.NewPostgresStore(db)
	s.workspaces = workspace.NewPostgresStore(db)
	s.settings = settings.NewPostgresStore(db)
	s.checks.Register("database", health.Database(db))
	s.checks.Register("database_pool", health.DatabasePool(db, maxOpenConns))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// openBuckets returns the rate-limit store: shared in redis when REDIS_URL
// is set, otherwise per process.
func (s *Server) openBuckets(ctx context.Context) (ratelimit.Store, error) {
	if s.cfg.RedisURL == "" {
		s.buckets = ratelimit.NewMemoryStore(s.cfg.AdminRateWindow)
		return s.buckets, nil
	}

	opt, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = rdb
	s.checks.Register("redis", health.Redis(rdb), health.Optional())
	s.logger.Info("using redis rate-limit buckets", "url", maskDSN(s.cfg.RedisURL))
	store := ratelimit.NewRedisStore(rdb, "campaignhq:ratelimit:")
	return ratelimit.NewBreakerStore(store, circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)), nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(security.HeadersOptions{HSTS: s.cfg.IsProduction()}))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	guard := auth.NewGuard(s.users)
	secure := s.cfg.IsProduction()

	// Tenant API: any active user, workspace access checked per handler
	v1 := s.router.Group("/v1", auth.Prefilter(s.issuer), guard.RequireUser())
	auth.NewHandler(secure).RegisterRoutes(v1)
	quota.NewHandler(s.quota).WithDenialPublisher(s.realtime).RegisterRoutes(v1)

	// Admin surface: the prefilter rejects missing sessions, the guard
	// re-reads the role, then the per-admin limiter applies.
	adminGroup := s.router.Group("/admin",
		auth.Prefilter(s.issuer),
		guard.RequireSuperAdmin(),
		s.limiter.Middleware(),
	)
	admin.NewHandler(s.admin, impersonation.CookieOptions{Secure: secure}).
		WithStream(s.realtime).
		RegisterRoutes(adminGroup)

	if s.cfg.StripeWebhookSecret != "" {
		billing.NewHandler(s.workspaces, s.audit, s.cfg.StripeWebhookSecret).RegisterRoutes(s.router.Group(""))
		s.logger.Info("stripe webhook enabled")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !rep.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if rep := s.checks.CheckAll(c.Request.Context()); !rep.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtime.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close(ctx)

	s.logger.Info("server stopped")
	return nil
}

// close releases connections and background loops owned by the server.
func (s *Server) close(ctx context.Context) {
	if s.buckets != nil {
		s.buckets.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
