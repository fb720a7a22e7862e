// Package wsbridge implements transport.Dialer against a protocol gateway
// reachable over websocket. The gateway owns the messaging network's wire
// protocol and cryptographic session setup; each relay session holds one
// websocket to GATEWAY_URL/sessions/{id} and exchanges JSON frames on it.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/transport"
)

// StatusLoggedOut is the close code the gateway uses when the network
// revoked the session's credentials.
const StatusLoggedOut websocket.StatusCode = 4401

const (
	defaultReadLimit      = 64 << 20 // media frames can be large
	defaultRequestTimeout = 30 * time.Second
	eventBuffer           = 64
)

// Dialer opens one websocket per session.
type Dialer struct {
	baseURL        string
	header         http.Header
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithHeader adds a header sent on every websocket handshake.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// WithRequestTimeout bounds how long a request waits for its result frame
// when the caller's context has no deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.requestTimeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) { d.logger = logger }
}

// NewDialer validates baseURL and returns a Dialer.
func NewDialer(baseURL string, opts ...Option) (*Dialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	d := &Dialer{
		baseURL:        strings.TrimRight(baseURL, "/"),
		header:         http.Header{},
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial connects the session and sends its credentials in the hello frame.
func (d *Dialer) Dial(ctx context.Context, sessionID string, creds domain.Credentials) (transport.Handle, error) {
	endpoint := d.baseURL + "/sessions/" + url.PathEscape(sessionID)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: d.header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway for %s: %w", sessionID, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	hello := frame{Type: frameHello, Session: sessionID, Credentials: creds}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("send hello for %s: %w", sessionID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		sessionID:      sessionID,
		conn:           conn,
		events:         make(chan domain.Event, eventBuffer),
		pending:        make(map[string]chan frame),
		done:           make(chan struct{}),
		cancel:         cancel,
		requestTimeout: d.requestTimeout,
		logger:         d.logger.With("session_id", sessionID),
	}
	go h.readLoop(runCtx)
	return h, nil
}

type handle struct {
	sessionID      string
	conn           *websocket.Conn
	events         chan domain.Event
	requestTimeout time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	pending     map[string]chan frame
	closedSent  bool
	closedLocal bool
	finishOnce  sync.Once
	done        chan struct{}
	cancel      context.CancelFunc
}

func (h *handle) Events() <-chan domain.Event { return h.events }

func (h *handle) readLoop(ctx context.Context) {
	for {
		var f frame
		if err := wsjson.Read(ctx, h.conn, &f); err != nil {
			h.finish(err)
			return
		}
		h.dispatch(f)
	}
}

func (h *handle) dispatch(f frame) {
	switch f.Type {
	case framePairing:
		h.emit(domain.PairingChallenge{Code: f.Code})
	case frameState:
		state := domain.StateChange{State: domain.ConnectionState(f.State), Reason: f.Reason, LoggedOut: f.LoggedOut}
		if state.State == domain.ConnectionClosed {
			h.mu.Lock()
			h.closedSent = true
			h.mu.Unlock()
		}
		h.emit(state)
	case frameCreds:
		h.emit(domain.CredentialsUpdate{Credentials: f.Credentials})
	case frameMessage:
		if f.Message == nil {
			h.logger.Warn("Gateway sent message frame without payload")
			return
		}
		h.emit(f.Message.toDomain(h.sessionID))
	case frameResult:
		h.mu.Lock()
		ch, ok := h.pending[f.ID]
		delete(h.pending, f.ID)
		h.mu.Unlock()
		if ok {
			ch <- f
		}
	default:
		h.logger.Debug("Ignoring unknown gateway frame", "type", f.Type)
	}
}

func (h *handle) emit(ev domain.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// finish runs once when the read loop stops: pending requests fail, a final
// closed state is emitted if the gateway did not send one, and the event
// channel is closed.
func (h *handle) finish(readErr error) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		pending := h.pending
		h.pending = make(map[string]chan frame)
		alreadyClosed := h.closedSent
		local := h.closedLocal
		close(h.done)
		h.mu.Unlock()

		for _, ch := range pending {
			ch <- frame{Type: frameResult, Error: errCodeConnClosed}
		}

		if !alreadyClosed && !local {
			reason, loggedOut := closeReason(readErr)
			select {
			case h.events <- domain.StateChange{State: domain.ConnectionClosed, Reason: reason, LoggedOut: loggedOut}:
			default:
				h.logger.Warn("Event buffer full, dropping close notification", "reason", reason)
			}
		}
		close(h.events)
		h.cancel()
	})
}

func closeReason(err error) (string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == StatusLoggedOut {
			return "logged_out", true
		}
		if ce.Reason != "" {
			return ce.Reason, transport.IsLoggedOutReason(ce.Reason)
		}
		return fmt.Sprintf("close_%d", int(ce.Code)), false
	}
	if err == nil {
		return "closed", false
	}
	return "connection_lost", false
}

func (h *handle) request(ctx context.Context, f frame) (frame, error) {
	if _, ok := ctx.Deadline(); !ok && h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	f.ID = uuid.NewString()
	resp := make(chan frame, 1)

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return frame{}, h.deadErr()
	default:
	}
	h.pending[f.ID] = resp
	h.mu.Unlock()

	if err := wsjson.Write(ctx, h.conn, f); err != nil {
		h.forget(f.ID)
		if ctx.Err() != nil {
			return frame{}, fmt.Errorf("write %s: %w", f.Type, err)
		}
		return frame{}, fmt.Errorf("%w: write %s: %v", transport.ErrConnectionLost, f.Type, err)
	}

	select {
	case r := <-resp:
		if r.Error != "" {
			switch r.Error {
			case errCodeNotConnected, errCodeConnClosed:
				return r, fmt.Errorf("%w: %s", transport.ErrConnectionLost, r.Error)
			default:
				return r, fmt.Errorf("gateway %s: %s", f.Type, r.Error)
			}
		}
		return r, nil
	case <-ctx.Done():
		h.forget(f.ID)
		return frame{}, fmt.Errorf("await %s result: %w", f.Type, ctx.Err())
	}
}

func (h *handle) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *handle) deadErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closedLocal {
		return transport.ErrClosed
	}
	return transport.ErrConnectionLost
}

func (h *handle) Send(ctx context.Context, recipient string, payload transport.Payload) error {
	f := frame{Type: frameSend, To: recipient, Text: payload.Text}
	if a := payload.Attachment; a != nil {
		f.Attachment = &attachmentFrame{Data: a.Data, MimeType: a.MimeType, FileName: a.FileName}
	}
	_, err := h.request(ctx, f)
	return err
}

func (h *handle) SendPresence(ctx context.Context) error {
	_, err := h.request(ctx, frame{Type: framePresence, State: "available"})
	return err
}

func (h *handle) Download(ctx context.Context, media *domain.Media) ([]byte, error) {
	if media == nil {
		return nil, errors.New("download: no media")
	}
	r, err := h.request(ctx, frame{Type: frameDownload, Media: mediaFromDomain(media)})
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (h *handle) Lookup(ctx context.Context, numbers []string) ([]transport.LookupResult, error) {
	r, err := h.request(ctx, frame{Type: frameLookup, Numbers: numbers})
	if err != nil {
		return nil, err
	}
	return r.Results, nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closedLocal {
		h.mu.Unlock()
		return nil
	}
	h.closedLocal = true
	h.mu.Unlock()

	err := h.conn.Close(websocket.StatusNormalClosure, "session closed")
	// Close waits for the peer's close frame; make sure the read loop exits
	// even if the gateway never answers.
	h.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("Failed to close gateway websocket", "error", err)
	}
	return nil
}
