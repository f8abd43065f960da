// Package server wires configuration, logging, metrics and the viewer
// registry into the HTTP control surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/promptcalc/artifacthost/internal/api/http"
	"github.com/promptcalc/artifacthost/internal/api/middleware"
	"github.com/promptcalc/artifacthost/internal/csp"
	"github.com/promptcalc/artifacthost/internal/infrastructure/config"
	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/infrastructure/monitoring"
	"github.com/promptcalc/artifacthost/internal/infrastructure/tracing"
	"github.com/promptcalc/artifacthost/internal/viewer"
	"github.com/promptcalc/artifacthost/internal/ws"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	viewers *viewer.Registry
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	stopUp  chan struct{}
}

// New creates a fully wired server instance.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		l, err := logging.New(logging.Config{Level: cfg.Logging.Level})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	logger.Info("initializing artifact host",
		zap.String("port", cfg.Server.Port),
		zap.Duration("handshake_timeout", cfg.Viewer.HandshakeTimeout()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(registry)
	httpMetrics := monitoring.NewHTTPMetrics(registry)

	tracer := tracing.New("artifacthost", logger.Logger)

	policy := csp.Canonical()
	viewerCfg := viewer.Config{
		HandshakeTimeout:     cfg.Viewer.HandshakeTimeout(),
		ScriptTimeout:        cfg.Viewer.ScriptTimeout(),
		MessageRatePerSecond: cfg.Viewer.MessageRatePerSecond,
		RetryDebounce:        cfg.Viewer.RetryDebounce(),
		HistorySize:          cfg.Viewer.HistorySize,
		DevAudit:             cfg.Logging.Development,
	}
	viewers := viewer.NewRegistry(viewerCfg, policy, logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(httpMetrics))
	router.Use(middleware.CORS(cfg.CORS))
	if cfg.RateLimit.Enabled {
		logger.Info("api rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers := apihttp.NewHandlers(viewers, logger)
	wsHandler := ws.NewHandler(viewers, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Viewer lifecycle
	router.POST("/viewer", handlers.CreateViewer)
	router.GET("/viewer", handlers.ListViewers)
	router.DELETE("/viewer/:id", handlers.DeleteViewer)

	// Artifact lifecycle
	router.POST("/viewer/:id/artifact", handlers.LoadArtifact)
	router.POST("/viewer/:id/retry", handlers.RetryArtifact)
	router.GET("/viewer/:id/status", handlers.GetStatus)
	router.GET("/viewer/:id/content", handlers.GetContent)
	router.GET("/viewer/:id/history", handlers.GetHistory)

	// Status stream
	router.GET("/viewer/:id/events", wsHandler.HandleEvents)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	logger.Info("server initialized")

	return &Server{
		router:  router,
		viewers: viewers,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
		stopUp:  make(chan struct{}),
	}, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting http server", zap.String("addr", addr))

	go s.trackUptime()

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down: stop accepting requests, then drain every
// viewer so their surfaces are blanked and watchdogs detached.
func (s *Server) Close() error {
	s.logger.Info("shutting down")
	close(s.stopUp)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}

	s.viewers.Close()
	s.logger.Sync()
	return nil
}

func (s *Server) trackUptime() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.UpdateUptime()
		case <-s.stopUp:
			return
		}
	}
}
