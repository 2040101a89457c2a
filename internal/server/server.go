package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/api/middleware"
	"github.com/tokuhirom/sabos/internal/infrastructure/config"
	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/infrastructure/monitoring"
	"github.com/tokuhirom/sabos/internal/kernel"
)

// Server is the HTTP/WebSocket gateway in front of a running kernel. It
// exposes introspection endpoints and a syscall stream; it never touches
// kernel internals except through the kernel's public surface.
type Server struct {
	cfg     *config.Config
	kernel  *kernel.Kernel
	logger  *logging.Logger
	metrics *monitoring.Metrics
	router  *gin.Engine
	http    *http.Server
}

// New builds the gateway around an already-booted kernel.
func New(cfg *config.Config, k *kernel.Kernel, logger *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		kernel:  k,
		logger:  logger.Named("server"),
		metrics: k.Metrics(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Trace(s.logger))
	if s.metrics != nil {
		router.Use(monitoring.Middleware(s.metrics))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
		router.GET("/metrics/summary", s.handleMetricsSummary)
	}
	router.GET("/tasks", s.handleTasks)
	router.GET("/fs/stat", s.handleFSStat)
	router.GET("/snapshot", s.handleSnapshot)
	router.POST("/spawn", s.handleSpawn)
	router.GET("/stream", s.handleStream)

	s.router = router
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests. Safe to call before Run.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
