// Package domain contains core domain types shared across the relay.
package domain

import "time"

// SessionState is the lifecycle position of one managed connection.
type SessionState string

const (
	// StateConnecting is held between dialing and the first transport event.
	StateConnecting SessionState = "connecting"
	// StatePairing means the transport is waiting for the operator to
	// present a pairing challenge out-of-band.
	StatePairing SessionState = "pairing"
	// StateOpen means the handshake completed and the session can send.
	StateOpen SessionState = "open"
	// StateClosed means the connection dropped for a transient reason.
	StateClosed SessionState = "closed"
	// StateLoggedOut is terminal: credentials were revoked and purged.
	StateLoggedOut SessionState = "logged_out"
	// StatePairingLimitReached is stable until the operator restarts the session.
	StatePairingLimitReached SessionState = "pairing_limit_reached"
)

// Terminal reports whether the state never leads to a reconnect on its own.
func (s SessionState) Terminal() bool {
	return s == StateLoggedOut || s == StatePairingLimitReached
}

// Credentials is opaque auth material owned by the transport.
type Credentials []byte

// SessionSnapshot is an immutable view of a session handed to callers.
type SessionSnapshot struct {
	ID                string       `json:"session_id"`
	State             SessionState `json:"status"`
	PairingChallenge  string       `json:"pairing_challenge,omitempty"`
	PairingAttempts   int          `json:"pairing_attempts"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastCloseReason   string       `json:"last_close_reason,omitempty"`
	LastStateChangeAt time.Time    `json:"last_state_change_at"`
	Connected         bool         `json:"connected"`
}

// HasPairingChallenge reports whether a challenge is waiting to be shown.
func (s SessionSnapshot) HasPairingChallenge() bool {
	return s.State == StatePairing && s.PairingChallenge != ""
}
