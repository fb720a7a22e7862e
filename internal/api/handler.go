// Package api provides the HTTP control surface of the relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/transport"
)

const maxBodyBytes = 1 << 20

// Sessions is the session manager surface used by the API.
type Sessions interface {
	Start(ctx context.Context, id string) (domain.SessionSnapshot, error)
	Status(id string) (domain.SessionSnapshot, error)
	List() []domain.SessionSnapshot
	Stop(id string) error
	Lookup(ctx context.Context, id string, numbers []string) ([]transport.LookupResult, error)
}

// Queue is the delivery queue surface used by the API.
type Queue interface {
	Enqueue(ctx context.Context, sessionID, recipient, text, attachmentRef string) (domain.DeliveryJob, error)
	Status(recipient string) (domain.DeliveryStatus, bool)
	Statuses() map[string]domain.DeliveryStatus
	Len() int
}

// Pauses is operator control over human-handover pauses.
type Pauses interface {
	Pause(contact string, d time.Duration) domain.PauseRecord
	Resume(contact string) bool
	List() []domain.PauseRecord
}

// Handler provides common handler utilities.
type Handler struct {
	sessions      Sessions
	queue         Queue
	pauses        Pauses
	pauseDuration time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions Sessions, queue Queue, pauses Pauses, pauseDuration time.Duration) *Handler {
	if pauseDuration <= 0 {
		pauseDuration = 60 * time.Minute
	}
	return &Handler{
		sessions:      sessions,
		queue:         queue,
		pauses:        pauses,
		pauseDuration: pauseDuration,
	}
}

// RegisterRoutes registers the control routes, including the flat aliases
// older clients call.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Get("/{id}/pairing", h.GetPairing)
		r.Delete("/{id}", h.StopSession)
		r.Post("/{id}/check", h.CheckNumbers)
	})
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.SendMessage)
		r.Get("/status", h.MessageStatus)
	})
	r.Route("/contacts", func(r chi.Router) {
		r.Get("/paused", h.ListPaused)
		r.Post("/{contact}/pause", h.PauseContact)
		r.Post("/{contact}/resume", h.ResumeContact)
	})

	r.Post("/create-session", h.LegacyCreateSession)
	r.Get("/get-qr/{id}", h.GetPairing)
	r.Get("/status/{id}", h.LegacyStatus)
	r.Post("/send-message", h.SendMessage)
	r.Get("/message-status", h.LegacyMessageStatus)
	r.Post("/check", h.LegacyCheckNumbers)
	r.Post("/resume/{contact}", h.LegacyResume)
}

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

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
