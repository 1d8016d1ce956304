// Package status exposes a small HTTP surface over a running benchmark:
// liveness, Prometheus metrics, and a live stats snapshot.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/metrics"
)

// Config tunes the status server.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
}

// Server serves health, metrics, and live stats for one run.
type Server struct {
	config    Config
	collector *metrics.Collector
	registry  *prometheus.Registry
	logger    *zap.Logger
	srv       *http.Server
}

// New builds a status server over the run's collector and registry.
func New(config Config, collector *metrics.Collector, registry *prometheus.Registry, logger *zap.Logger) *Server {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    config,
		collector: collector,
		registry:  registry,
		logger:    logger,
	}
	s.srv = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi mux. Exposed separately so tests can drive it
// without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.collector == nil {
		http.Error(w, `{"error":"no active run"}`, http.StatusServiceUnavailable)
		return
	}
	if err := json.NewEncoder(w).Encode(s.collector.Stats()); err != nil {
		s.logger.Warn("encode stats", zap.Error(err))
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.config.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
