package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Can the server reach its session store?
type HealthHandler struct {
	store   *store.GORMStore
	manager *session.Manager
}

// NewHealthHandler creates a new health handler.
//
// Either parameter may be nil, in which case readiness reports
// unhealthy.
func NewHealthHandler(st *store.GORMStore, manager *session.Manager) *HealthHandler {
	return &HealthHandler{store: st, manager: manager}
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func healthy(data map[string]any) healthResponse {
	return healthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthy(errMsg string) healthResponse {
	return healthResponse{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: errMsg}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK as long as the HTTP server is responsive. Designed
// for Kubernetes liveness probes.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthy(map[string]any{
		"service": "dispatch",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK when the session store answers a ping, 503 otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.manager == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthy("server not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.store.DB().DB()
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthy("session store unavailable: "+err.Error()))
		return
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthy("session store unreachable: "+err.Error()))
		return
	}

	WriteJSON(w, http.StatusOK, healthy(map[string]any{
		"kinds": h.manager.Kinds(),
	}))
}
