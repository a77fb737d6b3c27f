// Package server wires the gateway's components into one HTTP server.
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/health"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/realtime"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/registry"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/seed"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/usage"
	"github.com/mbd888/paygate/internal/validation"
	"github.com/mbd888/paygate/migrations"
)

// Version is reported by /health and to the tracer. Set by ldflags in cmd/server.
var Version = "dev"

// minOrphanHoldAge is the youngest hold reconciliation may release.
const minOrphanHoldAge = 10 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	ownsDB         bool
	registry       *registry.Registry
	ledger         *ledger.Ledger
	recorder       *usage.Recorder
	stats          *usage.Stats
	gateway        *gateway.Router
	breaker        *circuitbreaker.Breaker
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	walletLimiter  *ratelimit.Limiter // in-process fallback without redis
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB uses an already-open database instead of DATABASE_URL. The caller
// keeps ownership and closes it.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis uses an existing redis client instead of REDIS_URL.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "paygate",
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesShutdown = shutdownTraces

	if err := s.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err := s.openRedis(ctx); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.buildServices(); err != nil {
		s.closeStores()
		return nil, err
	}

	if cfg.SeedFile != "" {
		res, err := seed.NewLoader(s.registry, s.ledger, s.logger).LoadFile(ctx, cfg.SeedFile)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.logger.Info("seed file loaded", "path", cfg.SeedFile, "apis", len(res.Registered), "balances", res.Funded)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openDatabase connects to Postgres when DATABASE_URL is set and applies
// migrations when AUTO_MIGRATE is on.
func (s *Server) openDatabase(ctx context.Context) error {
	if s.db == nil {
		if s.cfg.DatabaseURL == "" {
			s.logger.Info("using in-memory storage (no DATABASE_URL)")
			return nil
		}

		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.ownsDB = true
		s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	}

	if err := metrics.RegisterDB(s.db); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, s.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	if s.redis == nil && s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
	}
	if s.redis == nil {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.logger.Info("connected to redis")
	return nil
}

// buildServices creates the stores and domain services on top of them.
func (s *Server) buildServices() error {
	policy, err := registry.ParsePolicy(s.cfg.ReregisterPolicy)
	if err != nil {
		return err
	}
	mode, err := gateway.ParseMode(s.cfg.SettlementMode)
	if err != nil {
		return err
	}

	var (
		registryStore registry.Store
		ledgerStore   ledger.Store
		usageStore    usage.Store
	)
	if s.db != nil {
		registryStore = registry.NewPostgresStore(s.db)
		ledgerStore = ledger.NewPostgresStore(s.db)
		usageStore = usage.NewPostgresStore(s.db)
	} else {
		registryStore = registry.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.registry = registry.New(registryStore, registry.Config{
		PublicBaseURL:         s.cfg.PublicBaseURL,
		Policy:                policy,
		BlockPrivateUpstreams: s.cfg.BlockPrivateUpstreams,
	}).WithObserver(s.realtimeHub)
	s.ledger = ledger.New(ledgerStore).WithObserver(s.realtimeHub)
	s.recorder = usage.NewRecorder(usageStore, s.registry, s.logger).WithPublisher(s.realtimeHub)
	s.stats = usage.NewStats(usageStore)

	s.gateway = gateway.NewRouter(s.registry, s.ledger, s.recorder, gateway.Config{
		Mode:             mode,
		UpstreamTimeout:  s.cfg.UpstreamTimeout,
		MaxResponseBytes: s.cfg.MaxResponseBytes,
	}, s.logger)

	if s.cfg.CircuitBreakerThreshold > 0 {
		s.breaker = circuitbreaker.New(s.cfg.CircuitBreakerThreshold, s.cfg.CircuitBreakerOpen)
		s.breaker.OnTransition(func(slug string, from, to circuitbreaker.State) {
			s.logger.Warn("upstream circuit changed", "slug", slug, "from", from.String(), "to", to.String())
		})
		s.gateway.WithBreaker(s.breaker)
	}

	if s.cfg.WalletRateLimitPerMin > 0 {
		if s.redis != nil {
			s.gateway.WithLimiter(ratelimit.NewRedisLimiter(s.redis, s.cfg.WalletRateLimitPerMin, time.Minute))
			s.logger.Info("per-wallet rate limit enabled", "backend", "redis", "per_minute", s.cfg.WalletRateLimitPerMin)
		} else {
			s.walletLimiter = ratelimit.New(ratelimit.Config{
				RequestsPerMinute: s.cfg.WalletRateLimitPerMin,
				BurstSize:         s.cfg.WalletRateLimitPerMin,
				CleanupInterval:   time.Minute,
			})
			s.gateway.WithLimiter(s.walletLimiter)
			s.logger.Info("per-wallet rate limit enabled", "backend", "memory", "per_minute", s.cfg.WalletRateLimitPerMin)
		}
	}

	holdAge := 2 * s.cfg.UpstreamTimeout
	if holdAge < minOrphanHoldAge {
		holdAge = minOrphanHoldAge
	}
	s.reconciler = reconciliation.NewRunner(s.ledger, s.recorder, holdAge, s.logger)
	if s.cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.RedisChecker(s.redis))
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

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Metered calls forward bodies up to this size; JSON routes tighten it.
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxRequestBytes))

	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         max(s.cfg.RateLimitRPM/6, 10),
			CleanupInterval:   time.Minute,
		})
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
	s.router.Use(auth.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	gatewayHandler := gateway.NewHandler(s.gateway, s.registry, s.reconciler)
	registryHandler := registry.NewHandler(s.registry)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)

	jsonLimit := validation.RequestSizeMiddleware(validation.MaxRequestSize)

	gw := s.router.Group("/gateway", jsonLimit)
	gatewayHandler.RegisterRoutes(gw)
	registryHandler.RegisterRoutes(gw)
	ledgerHandler.RegisterRoutes(gw)

	admin := s.router.Group("/gateway", jsonLimit, auth.RequireAdmin(s.cfg.AdminSecret))
	gatewayHandler.RegisterAdminRoutes(admin)
	registryHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set; register, topup and reconcile are open")
	}

	usage.NewHandler(s.recorder, s.stats).RegisterRoutes(s.router.Group("/api", jsonLimit))

	// Everything else is a metered call: /{slug}/{path...}
	s.router.NoRoute(s.gateway.Handle)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"version":        Version,
		"settlementMode": s.gateway.Mode(),
		"checks":         checks,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until ctx
// is cancelled, a signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Upstream calls may take the full timeout before we write.
		WriteTimeout: s.cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"settlement_mode", s.gateway.Mode(),
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go metrics.SampleRegisteredAPIs(runCtx, s.registry.Count, 30*time.Second, s.logger)
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains traffic, stops background work and closes connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.walletLimiter != nil {
		s.walletLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.closeStores()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil && s.ownsDB {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// Router returns the gin engine (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
