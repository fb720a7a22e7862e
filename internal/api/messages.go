package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/sessionrelay/internal/queue"
)

// sendMessageRequest accepts both the current field names and the ones older
// clients send (phone, imageUrl).
type sendMessageRequest struct {
	SessionID     string `json:"sessionId"`
	Recipient     string `json:"recipient"`
	Phone         string `json:"phone"`
	Text          string `json:"text"`
	AttachmentURL string `json:"attachmentUrl"`
	ImageURL      string `json:"imageUrl"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// SendMessage enqueues an outbound message. Delivery happens later; callers
// poll the message status.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient := firstNonEmpty(req.Recipient, req.Phone)
	attachment := firstNonEmpty(req.AttachmentURL, req.ImageURL)

	job, err := h.queue.Enqueue(r.Context(), strings.TrimSpace(req.SessionID), recipient, req.Text, attachment)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to enqueue message", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{
		"status":    string(job.Status),
		"id":        job.ID,
		"recipient": job.Recipient,
		"phone":     recipient,
	})
}

// MessageStatus returns the last delivery status per recipient, or for the
// recipient named in the query.
func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	if recipient := strings.TrimSpace(r.URL.Query().Get("recipient")); recipient != "" {
		status, ok := h.queue.Status(recipient)
		if !ok {
			Error(w, http.StatusNotFound, "no messages for recipient")
			return
		}
		JSON(w, http.StatusOK, map[string]string{
			"recipient": recipient,
			"status":    string(status),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"statuses": h.queue.Statuses(),
		"pending":  h.queue.Len(),
	})
}

// LegacyMessageStatus returns the bare recipient to status map.
func (h *Handler) LegacyMessageStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.queue.Statuses())
}
