// Package server orchestrates roomhub's main hub server and admin server.
// The main server handles WebSocket streaming and the REST control
// surface, while the admin server exposes health checks, readiness
// probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/roomhub/roomhub/internal/auth"
	"github.com/roomhub/roomhub/internal/config"
	"github.com/roomhub/roomhub/internal/events"
	"github.com/roomhub/roomhub/internal/hub"
	"github.com/roomhub/roomhub/internal/observability"
	"github.com/roomhub/roomhub/internal/ratelimit"
)

// Server is the main roomhub server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server

	gate        *auth.Gate
	registry    *hub.Registry
	service     *hub.BroadcastService
	connLimiter *hub.ConnLimiter
	connSem     *semaphore.Weighted // nil when max_connections is 0
	emitter     *events.Emitter

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error

	maxMessageSize int64
	sendBufferSize int
	wsIdleTimeout  time.Duration
}

// New creates a new roomhub server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	gate := auth.NewGate(cfg.Auth.Secret.Value(), cfg.Auth.CacheEnabled)
	registry := hub.NewRegistry(logger, metrics)
	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	window, _ := config.ParseDuration(cfg.RateLimit.Window, 60*time.Second)
	idleEviction, _ := config.ParseDuration(cfg.RateLimit.IdleEviction, 5*time.Minute)
	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxMessages, window, idleEviction)

	service := hub.NewBroadcastService(registry, limiter, logger, metrics, emitter)

	var connSem *semaphore.Weighted
	if cfg.Server.MaxConnections > 0 {
		connSem = semaphore.NewWeighted(cfg.Server.MaxConnections)
	}

	wsIdleTimeout, _ := config.ParseDuration(cfg.Server.WebSocketIdleTimeout, 60*time.Second)

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		version:        version,
		gate:           gate,
		registry:       registry,
		service:        service,
		connLimiter:    hub.NewConnLimiter(cfg.Server.MaxConnectionsPerUser),
		connSem:        connSem,
		emitter:        emitter,
		health:         health,
		metrics:        metrics,
		maxMessageSize: cfg.Server.MaxMessageSize,
		sendBufferSize: cfg.Server.SendBufferSize,
		wsIdleTimeout:  wsIdleTimeout,
	}

	s.mainServer = buildMainServer(cfg, s.routes())
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:    cfg.Server.Address,
		Handler: handler,
		// Read/write timeouts apply to the pre-upgrade HTTP exchange only;
		// hijacked WebSocket connections manage their own deadlines.
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// Run starts both the main and admin servers and blocks until the context
// is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("roomhub is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("hub server starting", "address", s.cfg.Server.Address)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("hub server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("hub server: %w", err)
	}
}

// Reload hot-swaps the auth secret and limiter settings without
// restarting the server. Address or timeout changes still require a
// restart and are logged as ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	if newCfg.Auth.Secret.Value() != s.cfg.Auth.Secret.Value() {
		s.gate.SetSecret(newCfg.Auth.Secret.Value())
		s.logger.Info("auth secret rotated")
	}

	if newCfg.RateLimit != s.cfg.RateLimit {
		window, _ := config.ParseDuration(newCfg.RateLimit.Window, 60*time.Second)
		idleEviction, _ := config.ParseDuration(newCfg.RateLimit.IdleEviction, 5*time.Minute)
		old := s.service.SwapLimiter(
			ratelimit.NewSlidingWindow(newCfg.RateLimit.MaxMessages, window, idleEviction))
		old.Close()
		s.logger.Info("rate limiter reconfigured",
			"max_messages", newCfg.RateLimit.MaxMessages, "window", newCfg.RateLimit.Window)
	}

	if newCfg.Server.Address != s.cfg.Server.Address || newCfg.Admin.Address != s.cfg.Admin.Address {
		s.logger.Warn("server address changes require a restart, ignoring")
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Closing registered connections unblocks their pumps so the HTTP
	// shutdown below does not wait out the full drain timeout on
	// hijacked sockets.
	s.registry.CloseAll()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("events emitter close error", "error", err)
	}

	s.gate.Close()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
