package domain

import "time"

// DeliveryStatus tracks an outbound job from the caller's point of view.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryError     DeliveryStatus = "error"
	DeliveryNoSession DeliveryStatus = "no_session"
	// DeliveryPaused means the recipient is under human handover and the
	// job was withheld.
	DeliveryPaused DeliveryStatus = "paused"
)

// DeliveryJob is one queued outbound message.
type DeliveryJob struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Recipient     string         `json:"recipient"`
	Text          string         `json:"text,omitempty"`
	AttachmentRef string         `json:"attachment_ref,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	AttemptCount  int            `json:"attempt_count"`
	Status        DeliveryStatus `json:"status"`
}

// HasAttachment reports whether the job references remote media.
func (j *DeliveryJob) HasAttachment() bool {
	return j.AttachmentRef != ""
}

// PauseRecord suspends automated forwarding for a contact until PauseUntil.
type PauseRecord struct {
	Contact    string    `json:"contact"`
	PauseUntil time.Time `json:"pause_until"`
}

// Active reports whether the pause still applies at now.
func (p PauseRecord) Active(now time.Time) bool {
	return now.Before(p.PauseUntil)
}
