package session

import "errors"

var (
	// ErrSessionNotFound is returned for ids the manager has never started.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID rejects ids that cannot name a session.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrNotConnected means the session exists but has no usable handle.
	ErrNotConnected = errors.New("session not connected")
	// ErrLoggedOut means the network revoked the session's credentials.
	ErrLoggedOut = errors.New("session logged out")
	// ErrPairingLimit means the session gave up waiting for pairing.
	ErrPairingLimit = errors.New("session pairing limit reached")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager closed")
)
