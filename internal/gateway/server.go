// Package gateway assembles the HTTP surface: public probes, the
// master-key management API, and the admission-gated addon proxy.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avsupgw/internal/audit"
	"github.com/vyrodovalexey/avsupgw/internal/auth"
	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/middleware"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
	"github.com/vyrodovalexey/avsupgw/internal/ratelimit"
	"github.com/vyrodovalexey/avsupgw/internal/rotation"
	"github.com/vyrodovalexey/avsupgw/internal/supervisor"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// ginModeOnce ensures gin.SetMode is only called once to avoid race
// conditions.
var ginModeOnce sync.Once

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	store      *keystore.Store
	limiter    *ratelimit.Limiter
	sink       audit.Sink
	client     *supervisor.Client
	rotator    *rotation.Orchestrator
	extractor  *middleware.ClientIPExtractor
	admission  *middleware.Admission
	gatherer   prometheus.Gatherer
	logger     observability.Logger
	engine     *gin.Engine
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the metrics gatherer served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New assembles the server and its routes.
func New(
	cfg *config.Config,
	store *keystore.Store,
	limiter *ratelimit.Limiter,
	sink audit.Sink,
	client *supervisor.Client,
	rotator *rotation.Orchestrator,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		sink:     sink,
		client:   client,
		rotator:  rotator,
		gatherer: prometheus.DefaultGatherer,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.extractor = middleware.NewClientIPExtractor(cfg.TrustedProxies)

	authenticator := auth.New(cfg, store, client, auth.WithLogger(s.logger))
	s.admission = middleware.NewAdmission(cfg, authenticator, limiter, sink, s.extractor, s.logger)

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	s.engine = gin.New()
	s.engine.Use(middleware.Recovery(s.logger))
	s.setupRoutes()

	return s
}

// Engine exposes the gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/my-ip", s.handleMyIP)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	manage := s.engine.Group("/manage")
	manage.Use(middleware.MasterKeyGate(s.cfg, s.extractor, s.logger))
	{
		manage.POST("/generate-key", s.handleGenerateKey)
		manage.POST("/rotate-key", s.handleRotateKey)
		manage.POST("/auto-rotate", s.handleAutoRotate)
		manage.POST("/revoke-key", s.handleRevokeKey)
		manage.GET("/list-keys", s.handleListKeys)
	}

	addons := s.engine.Group("/addons")
	addons.Use(s.admission.Handler())
	{
		addons.GET("", s.handleListAddons)
		addons.GET("/:slug", s.handleAddonInfo)
		addons.POST("/:slug/start", s.addonAction("start", supervisor.LifecycleTimeout))
		addons.POST("/:slug/stop", s.addonAction("stop", supervisor.LifecycleTimeout))
		addons.POST("/:slug/restart", s.addonAction("restart", supervisor.LifecycleTimeout))
		addons.POST("/:slug/update", s.addonAction("update", supervisor.UpdateTimeout))
	}

	// Everything else is deliberately not exposed.
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "Endpoint not allowed",
			"message": "This endpoint is not exposed through the gateway",
		})
	})
}

// Start runs the server until it fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen.Addr(),
		Handler:           s.engine,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      320 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
