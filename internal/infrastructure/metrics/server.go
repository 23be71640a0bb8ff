// Package metrics exposes the Prometheus scrape endpoint plus the health
// and statistics endpoints used for operational visibility.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trade_runtime/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles Prometheus metrics export and the JSON status endpoints
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server

	health core.IHealthMonitor
	ledger core.ILedger
}

// NewServer creates a new metrics server
func NewServer(port int, health core.IHealthMonitor, ledger core.ILedger, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: health,
		ledger: ledger,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/statistics", s.handleStatistics)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !s.health.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(s.health.GetStatus())
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ledger == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	stats := s.ledger.Statistics()
	_ = json.NewEncoder(w).Encode(&stats)
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
