// Package httpapi is docworker's ambient observability surface: a
// health check and a Prometheus scrape endpoint, served independently
// of whatever front-end RPC/web layer actually drives the storage
// manager.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthChecker reports whether the storage manager is ready to serve
// traffic. Returning an error marks /healthz unhealthy.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is docworker's health/metrics HTTP surface.
type Server struct {
	httpServer *http.Server
	health     HealthChecker
}

// New builds a Server listening on addr, serving /healthz against
// health and /metrics against reg's registered collectors.
func New(addr string, health HealthChecker, reg prometheus.Gatherer) *Server {
	router := mux.NewRouter()

	s := &Server{health: health}
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(logrus.StandardLogger().Writer(), router)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Healthy(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("address", s.httpServer.Addr).Info("docworker: starting health/metrics server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
