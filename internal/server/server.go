// Package server wires the security monitor, its storage backend and its
// collaborators (event log, NATS, dashboard feed) into an HTTP server.
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

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/monitor"
	"github.com/mbd888/sentinel/internal/natsbus"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// Version is reported by /health and the info endpoint.
const Version = "0.1.0"

// APIService is the service name the API's own traffic is rate limited
// under when API_RATE_LIMIT is enabled.
const APIService = "sentinel-api"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        kvstore.Store
	db           *sql.DB // nil unless STORAGE_BACKEND=postgres
	monitor      *monitor.Monitor
	timer        *monitor.Timer
	authMgr      *auth.Manager
	eventLog     *eventlog.MemoryLog // nil when a remote event log is configured
	source       eventlog.Source
	realtimeHub  *realtime.Hub
	bus          *natsbus.Bus
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithStore overrides the configured storage backend (for testing)
func WithStore(store kvstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	// API keys live next to monitor state so every backend persists them.
	s.authMgr = auth.NewManager(auth.NewKVStore(s.store))
	if err := s.importAPIKeys(ctx); err != nil {
		return nil, err
	}

	// Activity source
	if cfg.EventLogURL != "" {
		remote := eventlog.NewHTTPSource(cfg.EventLogURL, s.logger)
		s.source = remote
		s.health.Register("event_log", health.Ping("event_log", func(context.Context) error {
			return remote.Ping()
		}))
		s.logger.Info("reading activity from remote event log", "url", cfg.EventLogURL)
	} else {
		s.eventLog = eventlog.NewMemoryLog(cfg.EventLogMaxPerService)
		s.source = s.eventLog
		s.logger.Info("using in-process event log", "max_per_service", cfg.EventLogMaxPerService)
	}

	// Outbound events: oracle requests are signals, everything else is a
	// notification. Both reach the dashboard feed and, when configured, NATS.
	s.realtimeHub = realtime.NewHub(s.logger)
	signaler := events.Multi{s.realtimeHub}
	notifier := events.Multi{s.realtimeHub}
	if cfg.NATSURL != "" {
		bus, err := natsbus.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, s.logger)
		if err != nil {
			return nil, err
		}
		s.bus = bus
		signaler = append(signaler, bus)
		notifier = append(notifier, bus)
		s.health.Register("nats", health.Ping("nats", bus.Ping))
		s.logger.Info("publishing events to NATS", "url", cfg.NATSURL, "prefix", cfg.NATSSubjectPrefix)
	}

	s.monitor = monitor.New(s.store, s.source,
		monitor.WithAuthorizer(auth.ContextAuthorizer{}),
		monitor.WithSignaler(signaler),
		monitor.WithNotifier(notifier),
		monitor.WithLogger(s.logger),
		monitor.WithBootstrapAdmin(cfg.AdminPrincipal),
	)

	if err := s.bootstrapMonitor(ctx); err != nil {
		return nil, err
	}

	if cfg.ScanInterval > 0 && len(cfg.ScanServices) > 0 {
		s.timer = monitor.NewTimer(s.monitor, cfg.ScanServices, cfg.ScanInterval, s.logger)
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

// openStore opens the configured storage backend and registers its health
// check.
func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.StorageBackend {
	case config.StoragePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be starting alongside us.
		err = retry.DoNotify(ctx, 5, 500*time.Millisecond, func(attempt int, err error, next time.Duration) {
			s.logger.Warn("database not reachable yet", "attempt", attempt, "retry_in", next, "error", err)
		}, func() error {
			return db.PingContext(ctx)
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := kvstore.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return err
		}

		pg := kvstore.NewPostgresStore(db)
		s.db = db
		s.store = pg
		s.health.Register("postgres", health.Ping("postgres", pg.Ping))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case config.StorageBadger:
		b, err := kvstore.OpenBadger(s.cfg.DataDir)
		if err != nil {
			return err
		}
		s.store = b
		s.health.Register("badger", health.Ping("badger", func(context.Context) error {
			return b.Ping()
		}))
		s.logger.Info("using Badger storage", "dir", s.cfg.DataDir)

	default:
		s.store = kvstore.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func (s *Server) importAPIKeys(ctx context.Context) error {
	if s.cfg.APIKeys == "" {
		return nil
	}
	keys, err := auth.ParseKeySpec(s.cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("invalid API_KEYS: %w", err)
	}
	for raw, principal := range keys {
		if _, err := s.authMgr.ImportKey(ctx, raw, principal, "env"); err != nil {
			return fmt.Errorf("import API key for %s: %w", principal, err)
		}
	}
	s.logger.Info("imported API keys", "count", len(keys))
	return nil
}

// bootstrapMonitor initializes the monitor from THRESHOLDS_FILE on first
// start and registers ORACLE_PRINCIPALS for every purpose. Both steps act
// as ADMIN_PRINCIPAL.
func (s *Server) bootstrapMonitor(ctx context.Context) error {
	admin := s.cfg.AdminPrincipal
	if admin == "" {
		return nil
	}
	adminCtx := auth.WithPrincipal(ctx, admin)

	if s.cfg.ThresholdsFile != "" {
		var thresholds monitor.SecurityConfig
		if err := config.LoadThresholds(s.cfg.ThresholdsFile, &thresholds); err != nil {
			return err
		}
		err := s.monitor.Initialize(adminCtx, admin, thresholds)
		switch {
		case err == nil:
			s.logger.Info("monitor initialized from thresholds file", "file", s.cfg.ThresholdsFile, "admin", admin)
		case errors.Is(err, monitor.ErrAlreadyInitialized):
			s.logger.Info("monitor already initialized, thresholds file ignored")
		default:
			return fmt.Errorf("initialize monitor: %w", err)
		}
	}

	if len(s.cfg.OraclePrincipals) == 0 {
		return nil
	}
	ok, err := s.monitor.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("monitor not initialized, oracle principals not registered")
		return nil
	}
	for _, oracle := range s.cfg.OraclePrincipals {
		if _, err := s.monitor.AddOracle(adminCtx, admin, oracle, monitor.Purposes); err != nil {
			return fmt.Errorf("register oracle %s: %w", oracle, err)
		}
	}
	return nil
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
			logger.Debug("request completed",
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	if s.cfg.APIRateLimit {
		v1.Use(ratelimit.Middleware(s.monitor, APIService, ratelimit.ClientKey, s.logger))
	}

	// Dashboard feed
	v1.GET("/feed", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))

	monitorHandler := monitor.NewHandler(s.monitor)
	monitorHandler.RegisterRoutes(v1)
	monitorHandler.RegisterProtectedRoutes(protected)

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)
	authHandler.RegisterProtectedRoutes(protected)

	if s.eventLog != nil {
		logHandler := eventlog.NewHandler(s.eventLog)
		logHandler.RegisterRoutes(v1)
		logHandler.RegisterProtectedRoutes(protected)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	initialized, err := s.monitor.IsInitialized(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sentinel",
		"description": "Security monitor for service call activity",
		"version":     Version,
		"storage":     s.cfg.StorageBackend,
		"initialized": initialized,
		"scanning":    s.timer != nil && s.timer.Running(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.cfg.StorageBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.timer != nil {
		go s.timer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("scan timer stopped")
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("NATS close error", "error", err)
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Monitor returns the wired monitor.
func (s *Server) Monitor() *monitor.Monitor {
	return s.monitor
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
