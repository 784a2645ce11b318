// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/movesentry/movesentry/internal/agentic"
	"github.com/movesentry/movesentry/internal/alerts"
	"github.com/movesentry/movesentry/internal/analyzer"
	"github.com/movesentry/movesentry/internal/config"
	"github.com/movesentry/movesentry/internal/health"
	"github.com/movesentry/movesentry/internal/history"
	"github.com/movesentry/movesentry/internal/idgen"
	"github.com/movesentry/movesentry/internal/llm"
	"github.com/movesentry/movesentry/internal/logging"
	"github.com/movesentry/movesentry/internal/market"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/pipeline"
	"github.com/movesentry/movesentry/internal/ratelimit"
	"github.com/movesentry/movesentry/internal/realtime"
	"github.com/movesentry/movesentry/internal/security"
	"github.com/movesentry/movesentry/internal/simulation"
	"github.com/movesentry/movesentry/internal/threatfeed"
	"github.com/movesentry/movesentry/internal/traces"
	"github.com/movesentry/movesentry/internal/txn"
	"github.com/movesentry/movesentry/internal/validation"
)

// Per-source request budgets for the remote threat feeds.
const (
	goplusRPS    = 5
	scamguardRPS = 2
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	analyzer      *analyzer.Service
	simulator     *simulation.Client
	feed          *threatfeed.Aggregator
	denylist      threatfeed.DenylistStore
	history       history.Store
	alertStore    alerts.Store
	dispatcher    *alerts.Dispatcher
	hub           *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc          // cancels background goroutines started in Run
	traceShutdown func(context.Context) error // flushes the OTLP exporter

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

// WithAnalyzer sets a custom analyzer service (for testing)
func WithAnalyzer(svc *analyzer.Service) Option {
	return func(s *Server) {
		s.analyzer = svc
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set analyzer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Distributed tracing (no-op without an OTLP endpoint)
	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		historyStore := history.NewPostgresStore(db)
		if err := historyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate history store", "error", err)
		}
		s.history = historyStore

		alertStore := alerts.NewPostgresStore(db)
		if err := alertStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate alert store", "error", err)
		}
		s.alertStore = alertStore

		s.denylist = threatfeed.NewPostgresDenylist(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.history = history.NewMemoryStore()
		s.alertStore = alerts.NewMemoryStore()
		s.denylist = threatfeed.NewMemoryDenylist()
	}

	// Subsystem probes for /healthz
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}
	s.checks.Register("denylist", func(ctx context.Context) error {
		_, err := s.denylist.List(ctx, "mainnet", 1)
		return err
	})

	// Threat intelligence: local denylist always, remote sources when
	// configured.
	s.feed = threatfeed.New(s.logger).
		AddLocalSource(threatfeed.NewDenylist(s.denylist))
	if cfg.GoPlusURL != "" {
		s.feed.AddRemoteSource(threatfeed.NewGoPlus(cfg.GoPlusURL, cfg.GoPlusAPIKey), goplusRPS)
		s.logger.Info("threat feed enabled", "source", "goplus")
	}
	if cfg.ScamGuardURL != "" {
		s.feed.AddRemoteSource(threatfeed.NewScamGuard(cfg.ScamGuardURL, cfg.ScamGuardAPIKey), scamguardRPS)
		s.logger.Info("threat feed enabled", "source", "scamguard")
	}

	// Simulation client against the configured fullnodes
	s.simulator = simulation.New(s.logger).
		WithEndpoint(txn.NetworkMainnet, cfg.MainnetFullnodeURL).
		WithEndpoint(txn.NetworkTestnet, cfg.TestnetFullnodeURL).
		WithEndpoint(txn.NetworkDevnet, cfg.DevnetFullnodeURL)

	// Alert dispatcher for flagged verdicts
	s.dispatcher = alerts.NewDispatcher(s.alertStore, cfg.WebhookSecret, s.logger)

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Assemble the analyzer unless a test injected one
	if s.analyzer == nil {
		svc := analyzer.New(s.logger).
			WithSimulator(s.simulator).
			WithThreatFeed(s.feed).
			WithHistory(s.history).
			WithAlerts(s.dispatcher).
			WithStream(s.hub)

		if cfg.PriceAPIURL != "" {
			svc.WithMarket(market.New(cfg.PriceAPIURL, cfg.PriceAPIKey))
			s.logger.Info("market data enabled")
		}

		if cfg.LLMEnabled() {
			client := llm.NewClient(cfg.LLMAPIKey, cfg.LLMBaseURL, s.logger)
			svc.WithPipeline(pipeline.New(client, cfg.LLMFastModel, cfg.LLMDeepModel, s.logger))
			svc.WithInvestigator(agentic.New(client, cfg.LLMDeepModel, s.logger).
				WithModuleSource(s.simulator).
				WithChainHistory(s.simulator).
				WithThreatFeed(s.feed).
				WithDenylist(s.denylist))
			s.logger.Info("AI pipeline enabled",
				"fastModel", cfg.LLMFastModel,
				"deepModel", cfg.LLMDeepModel,
			)
		} else {
			s.logger.Info("AI pipeline disabled, pattern and semantic analysis only")
		}

		s.analyzer = svc
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins - the API is public and read-mostly)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting per client IP. Burst allows short spikes at double
	// the sustained rate.
	burst := s.cfg.RateLimitRPS * 2
	if burst < 10 {
		burst = 10
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		Burst:             burst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info and shareable result page
	s.router.GET("/", s.infoHandler)
	s.router.GET("/a/:id", sharePageHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Analysis
	v1.POST("/analyze", s.analyzeHandler)
	v1.GET("/analyses", s.listAnalysesHandler)
	v1.GET("/analyses/:id", s.getAnalysisHandler)

	// Address reputation (threat feed aggregate)
	v1.GET("/address/:address/reputation", s.reputationHandler)

	// WebSocket stream of completed analyses
	v1.GET("/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// ADMIN ROUTES (X-Admin-Secret gated)
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.GET("/denylist", s.listDenylistHandler)
		admin.POST("/denylist", s.addDenylistHandler)
		admin.DELETE("/denylist/:address", s.removeDenylistHandler)

		admin.GET("/subscriptions", s.listSubscriptionsHandler)
		admin.POST("/subscriptions", s.createSubscriptionHandler)
		admin.DELETE("/subscriptions/:id", s.deleteSubscriptionHandler)
	}
}

// -----------------------------------------------------------------------------
// Health & info handlers
// -----------------------------------------------------------------------------

func (s *Server) healthzHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readyzHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "MoveSentry",
		"description": "Pre-flight transaction risk analysis for Move chains",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"analyze":    "POST /v1/analyze",
			"analysis":   "GET /v1/analyses/{shareId}",
			"reputation": "GET /v1/address/{address}/reputation",
			"stream":     "GET /v1/stream (WebSocket)",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for background goroutines (realtime hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain in-flight alert deliveries
	if s.dispatcher != nil {
		s.dispatcher.Wait()
		s.logger.Info("alert deliveries drained")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush any buffered trace spans
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
