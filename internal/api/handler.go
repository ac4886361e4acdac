// Package api provides shared HTTP helpers and the health endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorWithFields writes a JSON error response carrying extra fields.
func ErrorWithFields(w http.ResponseWriter, status int, message string, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["error"] = message
	JSON(w, status, body)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	active  func() int
	timeout time.Duration
}

// NewHealthHandler creates a health handler. active may be nil.
func NewHealthHandler(db Pinger, active func() int) *HealthHandler {
	return &HealthHandler{db: db, active: active, timeout: 5 * time.Second}
}

// Ready returns the health status of the API and its dependencies.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.active != nil {
		status["active_sessions"] = h.active()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the readiness route. Liveness is served by the
// chi Heartbeat middleware at /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/ready", h.Ready)
}
