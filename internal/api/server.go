// Package api provides the optional HTTP server that exposes health,
// Prometheus metrics and a websocket stream of scan session events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/anstrom/gapscan/internal/api/middleware"
	"github.com/anstrom/gapscan/internal/config"
	"github.com/anstrom/gapscan/internal/metrics"
)

const serverShutdownTimeout = 10 * time.Second

// Server represents the events server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	logger     *slog.Logger
	metrics    *metrics.PrometheusMetrics
	version    string
	startTime  time.Time
}

// New creates a server for cfg. It does not listen until Start.
func New(cfg config.ServerConfig, m *metrics.PrometheusMetrics, logger *slog.Logger, version string) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		logger:    logger,
		metrics:   m,
		version:   version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.setupMiddleware(cfg)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		// Websocket writes carry their own deadlines.
		WriteTimeout: 0,
	}
	return s
}

// Hub returns the event hub to register as a session observer.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("events server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting events server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("events server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the server and disconnects event clients.
func (s *Server) Stop() error {
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Events server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.Handle("/events", s.hub).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware(cfg config.ServerConfig) {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())

	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		))
	}
}

func (s *Server) indexHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "gapscan",
		"version": s.version,
		"endpoints": map[string]string{
			"health":  "/healthz",
			"metrics": "/metrics",
			"events":  "/events",
		},
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC(),
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"event_clients": s.hub.Clients(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
