package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionrelay/internal/domain"
)

// Pinger checks a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db       Pinger
	sessions Sessions
	queue    Queue
	timeout  time.Duration
}

// NewHealthHandler creates a new health handler. A nil queue omits the
// pending count.
func NewHealthHandler(db Pinger, sessions Sessions, queue Queue, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, sessions: sessions, queue: queue, timeout: timeout}
}

// Health returns the health status of the relay and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
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

	counts := map[domain.SessionState]int{}
	for _, snap := range h.sessions.List() {
		counts[snap.State]++
	}
	status["sessions"] = counts
	if h.queue != nil {
		status["pending_jobs"] = h.queue.Len()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
