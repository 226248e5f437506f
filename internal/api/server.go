// Package api serves the portscope REST API: scan lifecycle, reports,
// progress streaming over WebSocket, profiles, watches and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	apihandlers "github.com/anstrom/portscope/internal/api/handlers"
	"github.com/anstrom/portscope/internal/api/middleware"
	"github.com/anstrom/portscope/internal/auth"
	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/scheduler"
)

const (
	serverShutdownTimeout = 30 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Dependencies are the services the API exposes. Scheduler may be nil, in
// which case the watch routes are not registered.
type Dependencies struct {
	Manager   *orchestrator.Manager
	Profiles  *profiles.Manager
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.PrometheusMetrics
	Logger    *logging.Logger
	Version   string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	deps       Dependencies
	keys       *auth.KeySet
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new API server.
func New(cfg config.APIConfig, deps Dependencies) (*Server, error) {
	if deps.Manager == nil || deps.Profiles == nil {
		return nil, fmt.Errorf("api server requires a scan manager and profiles")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetGlobalMetrics()
	}
	var keys *auth.KeySet
	if cfg.AuthEnabled {
		if len(cfg.APIKeyHashes) == 0 {
			return nil, fmt.Errorf("api auth is enabled but no key hashes are configured")
		}
		ks, err := auth.NewKeySet(cfg.APIKeyHashes)
		if err != nil {
			return nil, err
		}
		keys = ks
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		deps:   deps,
		keys:   keys,
		logger: deps.Logger.WithComponent("api"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}
	return s, nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	if len(s.config.AllowedOrigins) == 0 {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(s.config.AllowedOrigins),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", middleware.APIKeyHeader}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
	)(s.router)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"auth", s.config.AuthEnabled,
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Stop()
	})
	return g.Wait()
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.deps.Metrics))
	s.router.Use(middleware.SecurityHeaders())
	if s.config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(s.config.RateLimit, s.config.RateBurst)
		s.router.Use(middleware.RateLimit(s.ctx, limiter, s.logger))
	}
	if s.config.AuthEnabled {
		s.router.Use(middleware.Authentication(s.keys, s.logger))
	}
	s.router.Use(middleware.ContentType())
}

func (s *Server) setupRoutes() {
	scans := apihandlers.NewScanHandler(s.deps.Manager, s.deps.Profiles, s.logger)
	stream := apihandlers.NewStreamHandler(s.deps.Manager, s.logger, s.checkOrigin)
	profileHandler := apihandlers.NewProfileHandler(s.deps.Profiles, s.logger)
	health := apihandlers.NewHealthHandler(s.deps.Manager, s.deps.Version, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", health.Health).Methods("GET")

	api.HandleFunc("/scans", scans.ListScans).Methods("GET")
	api.HandleFunc("/scans", scans.CreateScan).Methods("POST")
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods("GET")
	api.HandleFunc("/scans/{id}", scans.DeleteScan).Methods("DELETE")
	api.HandleFunc("/scans/{id}/stop", scans.StopScan).Methods("POST")
	api.HandleFunc("/scans/{id}/report", scans.GetReport).Methods("GET")
	api.HandleFunc("/scans/{id}/stream", stream.Stream).Methods("GET")

	api.HandleFunc("/profiles", profileHandler.ListProfiles).Methods("GET")
	api.HandleFunc("/profiles/{name}", profileHandler.GetProfile).Methods("GET")

	if s.deps.Scheduler != nil {
		watches := apihandlers.NewWatchHandler(s.deps.Scheduler, s.logger)
		api.HandleFunc("/watches", watches.ListWatches).Methods("GET")
		api.HandleFunc("/watches", watches.CreateWatch).Methods("POST")
		api.HandleFunc("/watches/{id}", watches.DeleteWatch).Methods("DELETE")
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.GetRegistry(), promhttp.HandlerOpts{})).
		Methods("GET")
	s.router.HandleFunc("/", s.index).Methods("GET")
}

// checkOrigin applies the CORS origin list to WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "portscope",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"health":  "/api/v1/health",
			"scans":   "/api/v1/scans",
			"metrics": "/metrics",
		},
	})
}
