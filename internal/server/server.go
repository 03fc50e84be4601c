// Package server wires the escrow protocol together and serves its HTTP API.
package server

import (
	"context"
	"crypto/subtle"
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

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/multisig"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/registry"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	registry     *registry.Registry
	ledger       *ledger.Ledger
	escrow       *escrow.Service
	multisig     *multisig.Service
	tokens       *token.Map
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithTokens sets a custom token map (for testing)
func WithTokens(m *token.Map) Option {
	return func(s *Server) {
		s.tokens = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set tokens/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Token bindings: real ERC20 contracts behind an RPC in production, mock
	// ledgers in demo mode
	if s.tokens == nil {
		s.tokens = token.NewMap()
		for _, addr := range cfg.Tokens {
			if cfg.RPCURL != "" {
				t, err := token.NewEthToken(token.EthConfig{
					RPCURL:     cfg.RPCURL,
					Contract:   addr,
					PrivateKey: cfg.CustodyKey,
					ChainID:    cfg.ChainID,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to bind token %s: %w", addr, err)
				}
				s.tokens.Register(t)
			} else {
				s.tokens.Register(token.NewMock(addr))
			}
		}
		if cfg.RPCURL == "" {
			s.logger.Info("using mock token ledgers (no RPC_URL set)")
		}
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		registryStore registry.Store
		ledgerStore   ledger.Store
		escrowStore   escrow.Store
		recorder      escrow.Recorder
		multisigStore multisig.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		registryStore = registry.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		recorder = escrow.NewPostgresRecorder(db)
		multisigStore = multisig.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		registryStore = registry.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		recorder = escrow.NewMemoryRecorder()
		multisigStore = multisig.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Protocol registry seeds the owner, fee schedule and token allowlist
	s.registry = registry.New(registryStore)
	if err := s.registry.Init(ctx, cfg.OwnerAddress, cfg.MinDeposit); err != nil {
		return nil, fmt.Errorf("failed to initialize protocol params: %w", err)
	}
	for _, addr := range cfg.Tokens {
		if err := s.registry.SetTokenAllowed(ctx, cfg.OwnerAddress, addr, true); err != nil {
			return nil, fmt.Errorf("failed to allowlist token %s: %w", addr, err)
		}
	}

	// Withdrawable ledger
	s.ledger = ledger.New(ledgerStore, &ledgerTokenResolver{s.tokens}, s.registry, cfg.CustodyAddress).
		WithLogger(s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Escrow lifecycle service, bound to the signature domain of this deployment
	domain := signing.NewDomain(cfg.ChainID, cfg.VerifyingContract)
	s.escrow = escrow.NewService(escrowStore, s.ledger, s.registry, s.tokens, domain, cfg.CustodyAddress, s.logger).
		WithRecorder(recorder).
		WithNotifier(s.realtimeHub).
		WithGracePeriod(cfg.GracePeriod)

	// Multisig wallets share the domain so signatures cannot cross surfaces
	s.multisig = multisig.NewService(multisigStore, s.tokens, domain, cfg.CustodyAddress, s.logger)

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.New()
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

// callerMiddleware identifies the caller for direct (unsigned) actions. The
// address arrives in the X-Caller-Address header, normally stamped by an
// authenticating proxy in front of this service. Signed actions carry their
// own authorization and skip this check entirely.
func (s *Server) callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-Caller-Address")
		if !validation.IsValidEthAddress(caller) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-Caller-Address header with a valid address is required",
			})
			return
		}
		c.Set("callerAddr", validation.SanitizeAddress(caller))
		c.Next()
	}
}

// adminMiddleware gates parameter and fee routes. The shared secret keeps
// strangers out; the owner check inside each operation is the real guard.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret != "" {
			got := c.GetHeader("X-Admin-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthenticated",
					"message": "Invalid admin secret",
				})
				return
			}
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	wsHandler := func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	}
	s.router.GET("/ws", wsHandler)
	s.router.GET("/v1/ws", wsHandler)

	// API info
	s.router.GET("/api", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.escrow)
	ledgerHandler := ledger.NewHandler(s.ledger)
	registryHandler := registry.NewHandler(s.registry)
	multisigHandler := multisig.NewHandler(s.multisig)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// PUBLIC ROUTES (no auth required): reads, plus the signed-action and
	// multisig execution routes whose payloads carry their own authorization
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRelayRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	registryHandler.RegisterRoutes(v1)
	multisigHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require caller identity)
	protected := v1.Group("")
	protected.Use(s.callerMiddleware())
	escrowHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)

	// ADMIN ROUTES (owner operations behind the admin secret)
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware(), s.callerMiddleware())
	registryHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "escrowd",
		"description": "Trust-minimized two-party escrow for ERC20 payments",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"custody":     s.cfg.CustodyAddress,
		"tokens":      s.tokens.Addresses(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chainId", s.cfg.ChainID,
			"custody", s.cfg.CustodyAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export connection pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for background goroutines (hub, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// ledgerTokenResolver narrows the token map to the transfer-only view the
// withdrawal path needs.
type ledgerTokenResolver struct {
	m *token.Map
}

func (r *ledgerTokenResolver) Resolve(addr string) (ledger.Token, error) {
	t, err := r.m.Resolve(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownToken, addr)
	}
	return t, nil
}
