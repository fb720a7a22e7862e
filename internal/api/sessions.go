package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/session"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type checkNumbersRequest struct {
	SessionID string   `json:"sessionId"`
	Numbers   []string `json:"numbers"`
}

// CreateSession starts a session, or reports the live one.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.startSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, snap)
}

// LegacyCreateSession is CreateSession with the flat response older clients
// expect.
func (h *Handler) LegacyCreateSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.startSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"message":   "session created",
		"sessionId": snap.ID,
	})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) (domain.SessionSnapshot, bool) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return domain.SessionSnapshot{}, false
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return domain.SessionSnapshot{}, false
	}

	snap, err := h.sessions.Start(r.Context(), id)
	switch {
	case err == nil:
		return snap, true
	case errors.Is(err, session.ErrInvalidSessionID):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrManagerClosed):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Warn("Failed to start session", "session_id", id, "error", err)
		Error(w, http.StatusBadGateway, "failed to connect session, retry scheduled")
	}
	return domain.SessionSnapshot{}, false
}

// ListSessions returns a snapshot of every known session.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.List(),
	})
}

// GetSession returns one session's snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, snap)
}

// LegacyStatus reports a session state, or "not_found".
func (h *Handler) LegacyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := "not_found"
	if snap, err := h.sessions.Status(id); err == nil {
		status = string(snap.State)
	}
	JSON(w, http.StatusOK, map[string]string{
		"sessionId": id,
		"status":    status,
	})
}

// GetPairing returns the raw pairing challenge for the operator to render.
func (h *Handler) GetPairing(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	if snap.State == domain.StateOpen {
		JSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "session already open",
		})
		return
	}
	if !snap.HasPairingChallenge() {
		Error(w, http.StatusNotFound, "no pairing challenge available")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(snap.PairingChallenge))
}

// StopSession tears a session down. Stored credentials are kept.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Stop(id); err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":    "stopped",
		"sessionId": id,
	})
}

// CheckNumbers reports which numbers are registered on the network.
func (h *Handler) CheckNumbers(w http.ResponseWriter, r *http.Request) {
	var req checkNumbersRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.checkNumbers(w, r, chi.URLParam(r, "id"), req.Numbers)
}

// LegacyCheckNumbers takes the session id in the body.
func (h *Handler) LegacyCheckNumbers(w http.ResponseWriter, r *http.Request) {
	var req checkNumbersRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.checkNumbers(w, r, strings.TrimSpace(req.SessionID), req.Numbers)
}

func (h *Handler) checkNumbers(w http.ResponseWriter, r *http.Request, id string, numbers []string) {
	if id == "" || len(numbers) == 0 {
		Error(w, http.StatusBadRequest, "sessionId and numbers are required")
		return
	}
	results, err := h.sessions.Lookup(r.Context(), id, numbers)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]interface{}{
			"sessionId": id,
			"results":   results,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrLoggedOut),
		errors.Is(err, session.ErrPairingLimit):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Warn("Number lookup failed", "session_id", id, "error", err)
		Error(w, http.StatusBadGateway, "lookup failed")
	}
}
