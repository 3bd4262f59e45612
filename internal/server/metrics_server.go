package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dodobot/authrelay/internal/log"
)

// DefaultMetricsWriteTimeout bounds a scrape.
const DefaultMetricsWriteTimeout = 10 * time.Second

// MetricsServer serves Prometheus metrics on a dedicated listener, apart
// from user traffic.
type MetricsServer struct {
	httpServer *http.Server
}

// NewMetricsServer exposes handler on /metrics and a liveness probe on
// /healthz.
func NewMetricsServer(addr string, handler http.Handler) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultMetricsWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// Handler returns the metrics mux, for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving metrics until Shutdown.
func (s *MetricsServer) Start() error {
	log.LogInfoWithFields("metrics", "Metrics server starting", map[string]any{
		"addr": s.httpServer.Addr,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	log.LogInfo("Shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}
