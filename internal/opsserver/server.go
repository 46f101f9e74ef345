// Package opsserver exposes the tenant's operational HTTP surface:
// liveness, readiness, a debug snapshot, and Prometheus metrics. It is
// deliberately separate from the client-facing wire protocol, which never
// passes through HTTP.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenantcore/tenantd/internal/config"
	"github.com/tenantcore/tenantd/internal/health"
	"github.com/tenantcore/tenantd/internal/metrics"
	"github.com/tenantcore/tenantd/internal/tenant"
)

// Server is the ops HTTP server.
type Server struct {
	tenant     *tenant.Tenant
	checker    *health.Checker
	metrics    *metrics.Collector
	router     *mux.Router
	httpServer *http.Server
	startTime  time.Time
	cfg        config.OpsServerConfig
}

// NewServer creates an ops server fronting t.
func NewServer(t *tenant.Tenant, hc *health.Checker, m *metrics.Collector, cfg config.OpsServerConfig) *Server {
	s := &Server{
		tenant:    t,
		checker:   hc,
		metrics:   m,
		startTime: time.Now(),
		cfg:       cfg,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/debug", s.debugHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("ops server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the ops server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.checker.GetStatus()

	status := http.StatusOK
	if st.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, st)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	state, reason := s.tenant.Readiness()
	body := map[string]any{
		"readiness":             string(state),
		"reason":                reason,
		"accepting_connections": s.tenant.IsAcceptingConnections(),
	}

	if s.tenant.IsReady() && s.tenant.IsRunning() {
		body["status"] = "ready"
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["status"] = "not_ready"
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":             int(time.Since(s.startTime).Seconds()),
		"go_version":                 runtime.Version(),
		"goroutines":                 runtime.NumGoroutine(),
		"memory_mb":                  float64(mem.Alloc) / 1024 / 1024,
		"tenant_id":                  s.tenant.TenantID(),
		"instance_name":              s.tenant.InstanceName(),
		"running":                    s.tenant.IsRunning(),
		"active_backend_connections": s.tenant.GetActivePgconNum(),
		"suggested_client_pool_size": s.tenant.SuggestedClientPoolSize(),
	})
}

func (s *Server) debugHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tenant.GetDebugInfo())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
