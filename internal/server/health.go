package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teemow/mailboxauth/internal/storage"
)

// storagePingTimeout bounds the storage check of the readiness check.
const storagePingTimeout = 2 * time.Second

const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusUnavailable  = "unavailable"
)

// HealthChecker serves the liveness and readiness endpoints.
type HealthChecker struct {
	ready         atomic.Bool
	serverContext *ServerContext
	startTime     time.Time
}

// NewHealthChecker creates a HealthChecker that starts out ready. sc may be
// nil, in which case only the ready flag is checked.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startTime:     time.Now(),
	}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse is the body of /healthz/detailed.
type DetailedHealthResponse struct {
	Status            string            `json:"status"`
	Uptime            string            `json:"uptime"`
	Checks            map[string]string `json:"checks,omitempty"`
	ActiveConnections *int              `json:"active_connections,omitempty"`
}

// check runs the readiness checks. Each maps to "ok" or the reason it failed.
func (h *HealthChecker) check(ctx context.Context) (map[string]string, bool) {
	checks := map[string]string{
		"ready":    healthStatusOK,
		"shutdown": healthStatusOK,
	}
	ok := true

	if !h.ready.Load() {
		checks["ready"] = healthStatusNotReady
		ok = false
	}
	if h.serverContext == nil {
		return checks, ok
	}

	if h.serverContext.IsShutdown() {
		checks["shutdown"] = healthStatusShuttingDown
		ok = false
	}

	ctx, cancel := context.WithTimeout(ctx, storagePingTimeout)
	defer cancel()
	checks["storage"] = healthStatusOK
	if err := h.serverContext.Repository().Ping(ctx); err != nil {
		checks["storage"] = healthStatusUnavailable
		ok = false
	}
	return checks, ok
}

// LivenessHandler serves /healthz. It only reports that the process runs.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler serves /readyz: the ready flag, shutdown state and a
// storage ping.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks, ok := h.check(r.Context())
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: healthStatusNotReady, Checks: checks})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: healthStatusOK, Checks: checks})
	})
}

// DetailedHealthHandler serves /healthz/detailed, adding uptime and the
// number of active connections to the readiness checks.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks, ok := h.check(r.Context())
		response := DetailedHealthResponse{
			Status: healthStatusOK,
			Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
			Checks: checks,
		}

		if ok && h.serverContext != nil {
			conns, err := h.serverContext.Repository().ListConnections(r.Context(), storage.ConnectionFilter{})
			if err == nil {
				n := len(conns)
				response.ActiveConnections = &n
			}
		}

		status := http.StatusOK
		switch {
		case checks["shutdown"] == healthStatusShuttingDown:
			response.Status = healthStatusShuttingDown
			status = http.StatusServiceUnavailable
		case !ok:
			response.Status = healthStatusNotReady
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}

// RegisterHealthEndpoints registers the health endpoints on mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h.LivenessHandler())
	mux.Handle("GET /readyz", h.ReadinessHandler())
	mux.Handle("GET /healthz/detailed", h.DetailedHealthHandler())
}
