// Package server wires the gateway together and runs the HTTP surface.
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
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/aexlabs/aex/internal/admin"
	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/catalog"
	"github.com/aexlabs/aex/internal/config"
	"github.com/aexlabs/aex/internal/dispatch"
	"github.com/aexlabs/aex/internal/gateway"
	"github.com/aexlabs/aex/internal/health"
	"github.com/aexlabs/aex/internal/idgen"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/logging"
	"github.com/aexlabs/aex/internal/metrics"
	"github.com/aexlabs/aex/internal/policy"
	"github.com/aexlabs/aex/internal/ratelimit"
	"github.com/aexlabs/aex/internal/realtime"
	"github.com/aexlabs/aex/internal/security"
	"github.com/aexlabs/aex/internal/tools"
	"github.com/aexlabs/aex/internal/traces"
	"github.com/aexlabs/aex/internal/validation"
	"github.com/aexlabs/aex/internal/webhooks"
)

const version = "0.1.0"

// migrationsDir matches cmd/migrate; migrate-on-start runs the same files.
const migrationsDir = "migrations"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	agents        agent.Store
	agentMgr      *agent.Manager
	store         ledger.Store
	breaker       *ledger.BreakerStore
	verifier      *ledger.Verifier
	sweeper       *ledger.Sweeper
	controls      *admission.Controls
	admission     *admission.Controller
	dispatcher    *dispatch.Dispatcher
	toolsSvc      *tools.Service
	toolsLoader   *tools.Loader
	catalog       *catalog.Loader
	engine        *policy.Engine
	limiter       *ratelimit.Limiter
	ipLimiter     *ratelimit.IPLimiter
	webhooks      *webhooks.Dispatcher
	webhookStore  webhooks.Store
	emitter       *webhooks.Emitter
	realtimeHub   *realtime.Hub
	traceShutdown func(context.Context) error
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	probes  *health.Registry
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
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Realtime hub first: the event sink composed below feeds it and the
	// ledger stores capture the sink at construction.
	s.realtimeHub = realtime.NewHub(s.logger)

	// Initialize storage (Postgres if AEX_PG_DSN set, otherwise in-memory)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
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
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.PostgresDSN))

		if cfg.MigrateOnStart {
			if err := runMigrations(db); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.agents = agent.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.agents = agent.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.agentMgr = agent.NewManager(s.agents)

	// Webhook dispatcher and emitter (the emitter queue decouples
	// settlement latency from endpoint latency)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.emitter = webhooks.NewEmitter(s.webhooks, s.logger)
	s.logger.Info("webhooks enabled")

	// Every appended chain event fans out to the webhook queue and the
	// live WebSocket feed.
	sink := fanSink(s.emitter.Sink(), s.realtimeHub.Sink())

	ledgerOpts := ledger.Options{
		ChainScope: cfg.ChainScope,
		Overrun:    ledger.OverrunPolicy(cfg.Overrun),
		EventSink:  sink,
	}
	var base ledger.Store
	if s.db != nil {
		base = ledger.NewPostgresStore(s.db, ledgerOpts)
	} else {
		base = ledger.NewMemoryStore(s.agents, ledgerOpts)
	}

	// The breaker keeps admission failing fast with 503s when the store
	// degrades instead of queueing requests onto it.
	s.breaker = ledger.NewBreakerStore(base, 0, 0, s.logger)
	s.store = s.breaker
	s.logger.Info("execution ledger enabled", "scope", cfg.ChainScope, "overrun", string(cfg.Overrun))

	// Rate limiting: SQL windows are the source of truth, Redis is an
	// optional fast path in front of them.
	var rlStore ratelimit.Store
	if s.db != nil {
		rlStore = ratelimit.NewPostgresStore(s.db)
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}
	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(s.logger)}
	if cfg.RedisURL != "" {
		redisOpt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.logger.Warn("invalid AEX_REDIS_URL, rate limiting falls back to SQL windows", "error", err)
		} else {
			window := ratelimit.NewRedisWindowFromClient(redis.NewClient(redisOpt))
			limiterOpts = append(limiterOpts, ratelimit.WithRedis(window))
			s.logger.Info("redis rate-limit fast path enabled")
		}
	}
	s.limiter = ratelimit.NewLimiter(rlStore, limiterOpts...)

	// Model catalog and tool manifest. A missing document is a degraded
	// boot, not a fatal one: reload_config installs it later.
	s.catalog = catalog.NewLoader(cfg.ConfigDir)
	if _, err := s.catalog.Load(); err != nil {
		s.logger.Warn("model catalog not loaded, executions will be refused until reload_config", "error", err)
	}
	s.toolsLoader = tools.NewLoader(cfg.ConfigDir)
	if _, err := s.toolsLoader.Load(); err != nil {
		s.logger.Warn("tool manifest not loaded, tool executions will be refused", "error", err)
	}

	// Policy plugins. A malformed document fails startup: a gateway that
	// silently skips policy is worse than one that refuses to boot.
	docs, err := policy.LoadDir(cfg.PolicyDir)
	if err != nil {
		return nil, err
	}
	s.engine = policy.NewEngine(docs, policy.WithLogger(s.logger))
	s.logger.Info("policy engine enabled", "plugins", s.engine.PluginNames())

	// Admission pipeline and dispatcher
	s.controls = admission.NewControls()
	s.admission = admission.NewController(s.store, s.agents, s.limiter, s.engine, s.catalog, s.controls,
		admission.WithLogger(s.logger),
		admission.WithWait(cfg.AdmissionWait),
		admission.WithReserveTTL(cfg.ReserveTTL),
	)
	s.dispatcher = dispatch.NewDispatcher(s.store, s.limiter, config.ProviderKey,
		dispatch.WithLogger(s.logger),
		dispatch.WithTimeout(cfg.ProviderTimeout),
		dispatch.WithIdleTimeout(cfg.StreamIdleTimeout),
	)
	s.toolsSvc = tools.NewService(s.store, s.toolsLoader, tools.WithLogger(s.logger))

	// Audit verifier and crash-recovery sweeper
	s.verifier = ledger.NewVerifier(s.store, s.agents, ledger.NewAttestor(cfg.AttestSecret))
	s.sweeper = ledger.NewSweeper(s.store, s.logger)

	// Subsystem probes behind GET /health
	s.probes = health.NewRegistry()
	s.probes.Register("database", func(ctx context.Context) (bool, string) {
		if s.db == nil {
			return true, "in-memory"
		}
		return s.db.PingContext(ctx) == nil, ""
	})
	s.probes.Register("ledger_store", func(ctx context.Context) (bool, string) {
		return s.breaker.Healthy(), ""
	})
	s.probes.Register("catalog", func(ctx context.Context) (bool, string) {
		if _, err := s.catalog.Current(); err != nil {
			return false, "not_loaded"
		}
		return true, ""
	})

	// Tracing (no-op without an OTLP endpoint)
	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = traceShutdown
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

// fanSink composes event sinks. The ledger invokes its sink on the
// settling goroutine, so every receiver must already be non-blocking.
func fanSink(sinks ...func(ledger.Event)) func(ledger.Event) {
	return func(ev ledger.Event) {
		for _, fn := range sinks {
			fn(ev)
		}
	}
}

// runMigrations applies pending goose migrations from the disk directory.
func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, migrationsDir)
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

	// CORS (the landing page and browser-based feed clients are same
	// origin; agents talk server-to-server)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Transport-level rate limiting by client IP. Per-agent rpm/tpm
	// windows live in admission; this only sheds abusive sources.
	s.ipLimiter = ratelimit.NewIPLimiter(ratelimit.DefaultIPConfig())
	s.router.Use(s.ipLimiter.Middleware())

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
			requestID = idgen.WithPrefix("req_")
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Operator landing page and service info
	s.router.GET("/", statusPageHandler)
	s.router.GET("/api", s.infoHandler)

	// Execution surface. The same handler serves /v1 and the /openai/v1
	// mirror so off-the-shelf OpenAI SDKs can point base_url at either.
	gw := gateway.NewHandler(s.admission, s.dispatcher, s.toolsSvc, s.catalog,
		gateway.WithLogger(s.logger))
	for _, prefix := range []string{"/v1", "/openai/v1"} {
		grp := s.router.Group(prefix)
		grp.Use(agent.Middleware(s.agentMgr))
		gw.RegisterRoutes(grp)
	}

	// Admin control surface, guarded by the control key on every route.
	adminGroup := s.router.Group("/admin")
	adminGroup.Use(admin.RequireControlKey(s.cfg.AdminControlKey))

	adminHandler := admin.NewHandler().
		WithStore(s.store).
		WithVerifier(s.verifier).
		WithControls(s.controls).
		WithPolicyEngine(s.engine).
		WithCatalog(s.catalog).
		WithTools(s.toolsLoader)
	adminHandler.RegisterRoutes(adminGroup)

	// Agent provisioning (budgets, capability grants, token rotation)
	agent.NewHandler(s.agentMgr).RegisterRoutes(adminGroup)

	// Webhook subscription management
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterRoutes(adminGroup)

	// Live activity feed over WebSocket
	adminGroup.GET("/activity/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

// HealthResponse is the health check response body
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy, checks := s.probes.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "AEX",
		"description": "Governance gateway between AI agents and LLM providers",
		"version":     version,
		"endpoints": gin.H{
			"execution": "/v1 (OpenAI-compatible, mirrored at /openai/v1)",
			"admin":     "/admin (requires " + admin.HeaderControlKey + ")",
			"feed":      "/admin/activity/ws",
			"metrics":   "/metrics",
		},
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
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: streamed executions outlive any fixed
		// deadline. The dispatcher enforces per-frame idle timeouts.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"chain_scope", s.cfg.ChainScope,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub and webhook emitter
	go s.realtimeHub.Run(runCtx)
	go s.emitter.Run(runCtx)

	// Sample connection pool stats for /metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Crash recovery: release expired reservations left by a previous
	// process before reporting ready, then keep sweeping.
	if res, err := s.sweeper.SweepStartup(runCtx); err != nil {
		s.logger.Error("startup sweep failed", "error", err)
	} else if res.Released > 0 {
		s.logger.Info("startup sweep released stale reservations",
			"scanned", res.Scanned,
			"released", res.Released,
		)
	}
	go s.sweeper.Run(runCtx, s.cfg.ReserveTTL/2)

	s.ready.Store(true)
	s.logger.Info("server ready")

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

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Flush webhook deliveries already enqueued by settled executions.
	if s.emitter != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.emitter.Drain(drainCtx)
		drainCancel()
	}

	// Cancel the context for the remaining background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop transport rate limiter cleanup goroutine
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}

	// Flush traces
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
