// Package transport defines the boundary to the client that speaks the
// messaging network's protocol. The relay never implements the protocol
// itself; it drives a Handle per session and consumes its event stream.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/sessionrelay/internal/domain"
)

var (
	// ErrConnectionLost marks send failures caused by a dead connection.
	// The session behind the handle must be torn down and reconnected.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrClosed is returned by handles that were closed locally.
	ErrClosed = errors.New("transport: handle closed")
)

// Attachment is media bytes ready to send.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
}

// Payload is one outbound message. Text doubles as the caption when an
// attachment is present.
type Payload struct {
	Text       string
	Attachment *Attachment
}

// LookupResult reports whether a number is registered on the network.
type LookupResult struct {
	Number string `json:"number"`
	Exists bool   `json:"exists"`
}

// Dialer opens handles.
type Dialer interface {
	// Dial connects a session using the stored credentials; nil credentials
	// start a fresh pairing.
	Dial(ctx context.Context, sessionID string, creds domain.Credentials) (Handle, error)
}

// Handle is one live connection for one session.
type Handle interface {
	// Events yields lifecycle and content events. The channel is closed
	// once the handle is finished.
	Events() <-chan domain.Event

	// Send delivers a message to recipient.
	Send(ctx context.Context, recipient string, payload Payload) error

	// SendPresence is the liveness signal sent while the session is open.
	SendPresence(ctx context.Context) error

	// Download fetches the bytes of inbound media observed on this handle.
	Download(ctx context.Context, media *domain.Media) ([]byte, error)

	// Lookup checks which numbers are registered on the network.
	Lookup(ctx context.Context, numbers []string) ([]LookupResult, error)

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// IsConnectionLost reports whether err means the handle is unusable.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClosed)
}

// IsLoggedOutReason classifies a close reason reported by the network as an
// explicit credential revocation.
func IsLoggedOutReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "logged_out", "loggedout", "logged out", "401", "revoked":
		return true
	default:
		return false
	}
}
