// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/transport"
)

// Sent records one delivered message.
type Sent struct {
	Recipient string
	Payload   transport.Payload
}

// Dialer hands out Handles and remembers every one of them.
type Dialer struct {
	mu      sync.Mutex
	handles map[string][]*Handle
	dials   map[string]int
	creds   map[string]domain.Credentials

	// DialErr, when set, fails every Dial.
	DialErr error
	// Configure, when set, runs on each new handle before it is returned.
	Configure func(sessionID string, h *Handle)
}

// NewDialer returns an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{
		handles: make(map[string][]*Handle),
		dials:   make(map[string]int),
		creds:   make(map[string]domain.Credentials),
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(_ context.Context, sessionID string, creds domain.Credentials) (transport.Handle, error) {
	d.mu.Lock()
	d.dials[sessionID]++
	d.creds[sessionID] = creds
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	h := NewHandle()
	d.handles[sessionID] = append(d.handles[sessionID], h)
	configure := d.Configure
	d.mu.Unlock()
	if configure != nil {
		configure(sessionID, h)
	}
	return h, nil
}

// SetDialErr changes the error returned by later dials.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	d.DialErr = err
	d.mu.Unlock()
}

// DialCount reports how many times sessionID was dialed.
func (d *Dialer) DialCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[sessionID]
}

// LastCredentials returns the credentials passed on the latest dial.
func (d *Dialer) LastCredentials(sessionID string) domain.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds[sessionID]
}

// Last returns the newest handle for sessionID, or nil.
func (d *Dialer) Last(sessionID string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handles[sessionID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Handle is a scriptable transport.Handle.
type Handle struct {
	events chan domain.Event

	mu        sync.Mutex
	closed    bool
	sent      []Sent
	presence  int
	sendErr   error
	sendFunc  func(recipient string, payload transport.Payload) error
	media     map[string][]byte
	lookup    map[string]bool
	closeOnce sync.Once
}

// NewHandle returns an open handle.
func NewHandle() *Handle {
	return &Handle{
		events: make(chan domain.Event, 64),
		media:  make(map[string][]byte),
		lookup: make(map[string]bool),
	}
}

// Emit pushes an event. It returns false once the handle is closed.
func (h *Handle) Emit(ev domain.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.events <- ev
	return true
}

// Open emits an open state change.
func (h *Handle) Open() bool {
	return h.Emit(domain.StateChange{State: domain.ConnectionOpen})
}

// Drop emits a close state change with reason.
func (h *Handle) Drop(reason string, loggedOut bool) bool {
	return h.Emit(domain.StateChange{State: domain.ConnectionClosed, Reason: reason, LoggedOut: loggedOut})
}

// SetSendErr makes every Send fail with err.
func (h *Handle) SetSendErr(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// SetSendFunc replaces Send's outcome with fn.
func (h *Handle) SetSendFunc(fn func(recipient string, payload transport.Payload) error) {
	h.mu.Lock()
	h.sendFunc = fn
	h.mu.Unlock()
}

// SetMedia registers downloadable bytes under a media key.
func (h *Handle) SetMedia(key string, data []byte) {
	h.mu.Lock()
	h.media[key] = data
	h.mu.Unlock()
}

// SetRegistered marks a number as present on the network.
func (h *Handle) SetRegistered(number string) {
	h.mu.Lock()
	h.lookup[number] = true
	h.mu.Unlock()
}

// Sent returns a copy of the messages delivered so far.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Sent, len(h.sent))
	copy(out, h.sent)
	return out
}

// PresenceCount reports how many liveness signals were sent.
func (h *Handle) PresenceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Events implements transport.Handle.
func (h *Handle) Events() <-chan domain.Event { return h.events }

// Send implements transport.Handle.
func (h *Handle) Send(_ context.Context, recipient string, payload transport.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	if h.sendFunc != nil {
		if err := h.sendFunc(recipient, payload); err != nil {
			return err
		}
	} else if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, Sent{Recipient: recipient, Payload: payload})
	return nil
}

// SendPresence implements transport.Handle.
func (h *Handle) SendPresence(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.presence++
	return nil
}

// Download implements transport.Handle.
func (h *Handle) Download(_ context.Context, media *domain.Media) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if media == nil {
		return nil, errors.New("no media")
	}
	data, ok := h.media[media.Key]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

// Lookup implements transport.Handle.
func (h *Handle) Lookup(_ context.Context, numbers []string) ([]transport.LookupResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.LookupResult, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, transport.LookupResult{Number: n, Exists: h.lookup[n]})
	}
	return out, nil
}

// Close implements transport.Handle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
	})
	return nil
}
