// Package session owns the registry of live sessions and drives each one
// through its connection state machine.
//
// Every live transport handle gets one pump goroutine that applies its events
// in order. Events from a handle that is no longer the session's current
// handle are ignored, so a late close from a replaced connection cannot tear
// down its successor.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/sessionrelay/internal/clock"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/identity"
	"github.com/ashureev/sessionrelay/internal/store"
	"github.com/ashureev/sessionrelay/internal/transport"
)

// Config tunes the state machine.
type Config struct {
	PairingMaxAttempts   int
	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int // 0 = unlimited
	PingInterval         time.Duration
	DialTimeout          time.Duration
	// PreferredSession, when set, is the session restarted after any
	// transient close.
	PreferredSession string
}

// DefaultConfig mirrors the environment defaults.
func DefaultConfig() Config {
	return Config{
		PairingMaxAttempts: 5,
		ReconnectDelay:     3 * time.Second,
		PingInterval:       60 * time.Second,
		DialTimeout:        15 * time.Second,
	}
}

// InboundHandler receives content events from every session.
type InboundHandler interface {
	Handle(msg domain.InboundMessage)
}

// StateListener is notified after every state change.
type StateListener func(domain.SessionSnapshot)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithInbound routes inbound messages to h.
func WithInbound(h InboundHandler) Option {
	return func(m *Manager) { m.inbound = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the session registry.
type Manager struct {
	dialer transport.Dialer
	auth   store.AuthStore
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool

	inbound InboundHandler

	listenersMu sync.RWMutex
	listeners   []StateListener

	pumps sync.WaitGroup
}

type entry struct {
	id                string
	state             domain.SessionState
	challenge         string
	pairingAttempts   int
	reconnectAttempts int
	lastCloseReason   string
	changedAt         time.Time

	handle  transport.Handle
	dialing bool
	stopped bool

	ticker     *clock.Ticker
	tickerDone chan struct{}
	reconnect  *clock.Timer
}

// NewManager creates a Manager. Zero config fields fall back to DefaultConfig.
func NewManager(dialer transport.Dialer, auth store.AuthStore, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.PairingMaxAttempts <= 0 {
		cfg.PairingMaxAttempts = def.PairingMaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	m := &Manager{
		dialer:   dialer,
		auth:     auth,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a listener. Listeners run outside the registry
// lock on the goroutine that caused the change.
func (m *Manager) OnStateChange(fn StateListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(snap domain.SessionSnapshot) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Start brings a session up. Calling it for a session that already has a
// live or in-flight connection returns the current snapshot without dialing.
// Any other session is restarted with a fresh reconnect budget; one resting
// in a terminal state also gets a fresh pairing budget.
func (m *Manager) Start(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	return m.start(ctx, id, true)
}

// start dials id. Only operator starts (manual) reset the counters; the
// reconnect timer keeps accumulating attempts.
func (m *Manager) start(ctx context.Context, id string, manual bool) (domain.SessionSnapshot, error) {
	if !identity.ValidSessionID(id) {
		return domain.SessionSnapshot{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.SessionSnapshot{}, ErrManagerClosed
	}
	e, ok := m.sessions[id]
	if ok && (e.handle != nil || e.dialing) {
		snap := e.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	if !ok {
		e = &entry{id: id}
		m.sessions[id] = e
	}
	if manual {
		e.reconnectAttempts = 0
		if e.state.Terminal() {
			e.pairingAttempts = 0
		}
	}
	e.reconnect.Stop()
	e.reconnect = nil
	e.stopped = false
	e.dialing = true
	snap := m.setStateLocked(e, domain.StateConnecting)
	m.mu.Unlock()
	m.notify(snap)

	h, err := m.dial(ctx, id)

	m.mu.Lock()
	e.dialing = false
	if err != nil {
		e.lastCloseReason = err.Error()
		m.scheduleReconnectLocked(e)
		snap = m.setStateLocked(e, domain.StateClosed)
		m.mu.Unlock()
		m.notify(snap)
		return snap, err
	}
	if m.closed || e.stopped || m.sessions[id] != e {
		m.mu.Unlock()
		_ = h.Close()
		if m.isClosed() {
			return domain.SessionSnapshot{}, ErrManagerClosed
		}
		return domain.SessionSnapshot{}, fmt.Errorf("%w: %s stopped while dialing", ErrNotConnected, id)
	}
	e.handle = h
	m.pumps.Add(1)
	go m.pump(e, h)
	snap = e.snapshot()
	m.mu.Unlock()

	m.logger.Info("Session started", "session_id", id)
	return snap, nil
}

func (m *Manager) dial(ctx context.Context, id string) (transport.Handle, error) {
	creds, err := m.auth.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", id, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	h, err := m.dialer.Dial(dialCtx, id, creds)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	return h, nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// pump applies events from h until its stream ends.
func (m *Manager) pump(e *entry, h transport.Handle) {
	defer m.pumps.Done()
	for ev := range h.Events() {
		switch ev := ev.(type) {
		case domain.PairingChallenge:
			m.onPairing(e, h, ev.Code)
		case domain.StateChange:
			switch ev.State {
			case domain.ConnectionOpen:
				m.onOpen(e, h)
			case domain.ConnectionClosed:
				m.onClosed(e, h, ev.Reason, ev.LoggedOut || transport.IsLoggedOutReason(ev.Reason))
			default:
				m.logger.Debug("Ignoring connection state", "session_id", e.id, "state", ev.State)
			}
		case domain.CredentialsUpdate:
			m.onCredentials(e, h, ev.Credentials)
		case domain.InboundMessage:
			if m.inbound != nil && m.current(e, h) {
				m.inbound.Handle(ev)
			}
		default:
			m.logger.Debug("Ignoring transport event", "session_id", e.id, "event", fmt.Sprintf("%T", ev))
		}
	}
	m.onClosed(e, h, "stream_ended", false)
}

func (m *Manager) current(e *entry, h transport.Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.handle == h
}

func (m *Manager) onPairing(e *entry, h transport.Handle, code string) {
	m.mu.Lock()
	if e.handle != h || e.state == domain.StatePairingLimitReached {
		m.mu.Unlock()
		return
	}
	e.pairingAttempts++
	if e.pairingAttempts > m.cfg.PairingMaxAttempts {
		m.stopTickerLocked(e)
		e.handle = nil
		e.challenge = ""
		snap := m.setStateLocked(e, domain.StatePairingLimitReached)
		m.mu.Unlock()

		_ = h.Close()
		m.logger.Warn("Pairing limit reached, session halted", "session_id", e.id, "attempts", snap.PairingAttempts)
		m.notify(snap)
		return
	}
	e.challenge = code
	snap := m.setStateLocked(e, domain.StatePairing)
	m.mu.Unlock()

	m.logger.Info("Pairing challenge issued", "session_id", e.id, "attempt", snap.PairingAttempts)
	m.notify(snap)
}

func (m *Manager) onOpen(e *entry, h transport.Handle) {
	m.mu.Lock()
	if e.handle != h {
		m.mu.Unlock()
		return
	}
	e.challenge = ""
	e.pairingAttempts = 0
	e.reconnectAttempts = 0
	e.lastCloseReason = ""
	m.startTickerLocked(e, h)
	snap := m.setStateLocked(e, domain.StateOpen)
	m.mu.Unlock()

	m.logger.Info("Session connected", "session_id", e.id)
	m.notify(snap)
}

func (m *Manager) onClosed(e *entry, h transport.Handle, reason string, loggedOut bool) {
	m.mu.Lock()
	if e.handle != h {
		m.mu.Unlock()
		return
	}
	m.stopTickerLocked(e)
	e.handle = nil
	e.challenge = ""
	e.lastCloseReason = reason

	if loggedOut {
		snap := m.setStateLocked(e, domain.StateLoggedOut)
		m.mu.Unlock()

		_ = h.Close()
		m.logger.Warn("Session logged out, purging credentials", "session_id", e.id, "reason", reason)
		if err := m.auth.Purge(context.Background(), e.id); err != nil {
			m.logger.Error("Failed to purge credentials", "session_id", e.id, "error", err)
		}
		m.notify(snap)
		return
	}

	m.scheduleReconnectLocked(e)
	snap := m.setStateLocked(e, domain.StateClosed)
	m.mu.Unlock()

	_ = h.Close()
	m.logger.Info("Session closed", "session_id", e.id, "reason", reason)
	m.notify(snap)
}

func (m *Manager) onCredentials(e *entry, h transport.Handle, creds domain.Credentials) {
	if !m.current(e, h) {
		return
	}
	if err := m.auth.Save(context.Background(), e.id, creds); err != nil {
		m.logger.Error("Failed to save credentials", "session_id", e.id, "error", err)
	}
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(e *entry) {
	if m.closed || e.stopped {
		return
	}
	if limit := m.cfg.ReconnectMaxAttempts; limit > 0 && e.reconnectAttempts >= limit {
		m.logger.Warn("Reconnect attempts exhausted", "session_id", e.id, "attempts", e.reconnectAttempts)
		return
	}
	e.reconnectAttempts++
	target := e.id
	if p := m.cfg.PreferredSession; p != "" {
		target = p
	}
	origin := e.id
	e.reconnect.Stop()
	e.reconnect = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnectNow(origin, target)
	})
}

func (m *Manager) reconnectNow(origin, target string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if e, ok := m.sessions[origin]; ok {
		if e.stopped {
			m.mu.Unlock()
			return
		}
		e.reconnect = nil
	}
	if tgt, ok := m.sessions[target]; ok && tgt.state.Terminal() {
		state := tgt.state
		m.mu.Unlock()
		m.logger.Warn("Reconnect target halted, waiting for an operator restart",
			"session_id", target, "state", state, "closed_session", origin)
		return
	}
	m.mu.Unlock()

	m.logger.Info("Reconnecting session", "session_id", target, "closed_session", origin)
	if _, err := m.start(context.Background(), target, false); err != nil {
		m.logger.Warn("Reconnect failed", "session_id", target, "error", err)
	}
}

// startTickerLocked begins the liveness signal for h. Caller holds m.mu.
func (m *Manager) startTickerLocked(e *entry, h transport.Handle) {
	m.stopTickerLocked(e)
	t := m.clock.NewTicker(m.cfg.PingInterval)
	done := make(chan struct{})
	e.ticker = t
	e.tickerDone = done
	id := e.id
	interval := m.cfg.PingInterval
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := h.SendPresence(ctx); err != nil {
					m.logger.Warn("Liveness signal failed", "session_id", id, "error", err)
				}
				cancel()
			}
		}
	}()
}

func (m *Manager) stopTickerLocked(e *entry) {
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	close(e.tickerDone)
	e.ticker = nil
	e.tickerDone = nil
}

func (m *Manager) setStateLocked(e *entry, state domain.SessionState) domain.SessionSnapshot {
	e.state = state
	e.changedAt = m.clock.Now()
	return e.snapshot()
}

func (e *entry) snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:                e.id,
		State:             e.state,
		PairingAttempts:   e.pairingAttempts,
		ReconnectAttempts: e.reconnectAttempts,
		LastCloseReason:   e.lastCloseReason,
		LastStateChangeAt: e.changedAt,
		Connected:         e.handle != nil && e.state == domain.StateOpen,
	}
	if e.state == domain.StatePairing {
		snap.PairingChallenge = e.challenge
	}
	return snap
}

// Status returns the session's current snapshot.
func (m *Manager) Status(id string) (domain.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return domain.SessionSnapshot{}, ErrSessionNotFound
	}
	return e.snapshot(), nil
}

// List returns snapshots of every known session ordered by id.
func (m *Manager) List() []domain.SessionSnapshot {
	m.mu.RLock()
	out := make([]domain.SessionSnapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handle returns the session's handle when it is open.
func (m *Manager) Handle(id string) (transport.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok || e.handle == nil || e.state != domain.StateOpen {
		return nil, false
	}
	return e.handle, true
}

// Repair discards the session's current handle after a send reported a dead
// connection, then follows the normal reconnect path.
func (m *Manager) Repair(id string, cause error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var h transport.Handle
	if ok {
		h = e.handle
	}
	m.mu.RUnlock()
	if h == nil {
		return
	}
	reason := "connection_lost"
	if cause != nil {
		reason = "connection_lost: " + cause.Error()
	}
	m.onClosed(e, h, reason, false)
}

// Stop tears the session down without reconnecting and forgets it. Stored
// credentials are kept, so a later Start or Restore resumes it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	e.stopped = true
	e.reconnect.Stop()
	e.reconnect = nil
	m.stopTickerLocked(e)
	h := e.handle
	e.handle = nil
	e.lastCloseReason = "stopped"
	snap := m.setStateLocked(e, domain.StateClosed)
	delete(m.sessions, id)
	m.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	m.logger.Info("Session stopped", "session_id", id)
	m.notify(snap)
	return nil
}

// Restore starts every session that has stored credentials, the preferred
// session first. Individual failures are logged; they schedule their own
// reconnects.
func (m *Manager) Restore(ctx context.Context) ([]string, error) {
	ids, err := m.auth.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored sessions: %w", err)
	}
	if p := m.cfg.PreferredSession; p != "" {
		ordered := []string{p}
		for _, id := range ids {
			if id != p {
				ordered = append(ordered, id)
			}
		}
		ids = ordered
	}
	for _, id := range ids {
		if _, err := m.Start(ctx, id); err != nil {
			m.logger.Warn("Failed to restore session", "session_id", id, "error", err)
		}
	}
	return ids, nil
}

// Close stops every session and waits for event pumps to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var handles []transport.Handle
	for _, e := range m.sessions {
		e.reconnect.Stop()
		e.reconnect = nil
		m.stopTickerLocked(e)
		if e.handle != nil {
			handles = append(handles, e.handle)
			e.handle = nil
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	m.pumps.Wait()
	return nil
}

// unavailable explains why a session cannot serve a request.
func unavailable(e *entry) error {
	switch e.state {
	case domain.StateLoggedOut:
		return ErrLoggedOut
	case domain.StatePairingLimitReached:
		return ErrPairingLimit
	default:
		return ErrNotConnected
	}
}

func (m *Manager) liveHandle(id string, requireOpen bool) (transport.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if e.handle == nil || (requireOpen && e.state != domain.StateOpen) {
		return nil, unavailable(e)
	}
	return e.handle, nil
}

// DownloadMedia fetches inbound media through the session that received it.
func (m *Manager) DownloadMedia(ctx context.Context, id string, media *domain.Media) ([]byte, error) {
	h, err := m.liveHandle(id, false)
	if err != nil {
		return nil, err
	}
	return h.Download(ctx, media)
}

// Lookup reports which numbers are registered on the network.
func (m *Manager) Lookup(ctx context.Context, id string, numbers []string) ([]transport.LookupResult, error) {
	h, err := m.liveHandle(id, true)
	if err != nil {
		return nil, err
	}
	return h.Lookup(ctx, numbers)
}
