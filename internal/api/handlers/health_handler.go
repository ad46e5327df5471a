package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/firstaid/assistant/internal/api/response"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a new health handler. db may be nil when no database is configured.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if err := h.db.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "health check: database unreachable", "error", err)
			response.RespondServiceUnavailable(w, "database unreachable")

			return
		}
	}

	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health check response", "error", err)
	}
}
