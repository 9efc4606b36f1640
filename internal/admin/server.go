// Package admin exposes the operational HTTP plane: health, request
// statistics, and prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepaksubu/norbert/pkg/stats"
)

const (
	contentTypeJSON        = "application/json"
	defaultPort            = 8081
	defaultShutdownTimeout = time.Second * 5
)

// StatsSource yields the current statistics snapshot. It allows using a fake
// in tests.
type StatsSource interface {
	Snapshot() map[string]stats.TypeSnapshot
}

// Server is the admin HTTP server.
type Server struct {
	serviceName string
	source      StatsSource
	httpServer  *http.Server
	port        int
}

// NewServer creates the admin server for the given statistics source.
func NewServer(serviceName string, source StatsSource, port int) *Server {
	if port == 0 {
		port = defaultPort
	}
	return &Server{serviceName: serviceName, source: source, port: port}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	slog.Info("admin server started", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown admin server: %w", err)
		}
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding admin response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.serviceName,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]stats.TypeSnapshot{}
	if s.source != nil {
		snapshot = s.source.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":  s.serviceName,
		"messages": snapshot,
	})
}
