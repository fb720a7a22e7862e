package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionrelay/internal/identity"
)

type pauseRequest struct {
	Minutes int `json:"minutes"`
}

// contactParam reads the contact from the path and normalises bare numbers
// to the address inbound messages carry.
func contactParam(r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "contact")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	if !identity.ValidRecipient(raw) {
		return "", false
	}
	return identity.NormalizeRecipient(raw), true
}

// PauseContact suspends automated forwarding for a contact.
func (h *Handler) PauseContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := contactParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid contact")
		return
	}
	var req pauseRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Minutes < 0 {
		Error(w, http.StatusBadRequest, "minutes must not be negative")
		return
	}
	d := h.pauseDuration
	if req.Minutes > 0 {
		d = time.Duration(req.Minutes) * time.Minute
	}
	JSON(w, http.StatusOK, h.pauses.Pause(contact, d))
}

// ResumeContact lifts a pause before it expires.
func (h *Handler) ResumeContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := contactParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid contact")
		return
	}
	if !h.pauses.Resume(contact) {
		Error(w, http.StatusNotFound, "contact is not paused")
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":  "resumed",
		"contact": contact,
	})
}

// LegacyResume lifts a pause and always reports success.
func (h *Handler) LegacyResume(w http.ResponseWriter, r *http.Request) {
	contact, ok := contactParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid contact")
		return
	}
	h.pauses.Resume(contact)
	JSON(w, http.StatusOK, map[string]string{
		"status": "resumed",
		"for":    contact,
	})
}

// ListPaused returns every active pause.
func (h *Handler) ListPaused(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"paused": h.pauses.List(),
	})
}
