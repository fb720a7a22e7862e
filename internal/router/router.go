// Package router classifies inbound messages and forwards the ones that
// should reach the webhook.
//
// Classification happens synchronously on the session's event pump. Media
// download and the webhook POST run on their own goroutine so a slow
// callback never stalls the pump.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/webhook"
)

// Decision is the outcome of classifying one inbound message.
type Decision string

const (
	// DecisionHandover: an operator replied manually; the contact is paused.
	DecisionHandover Decision = "handover"
	// DecisionSelf: a message sent from the account itself, ignored.
	DecisionSelf Decision = "self"
	// DecisionPaused: the contact is under an active pause.
	DecisionPaused Decision = "paused"
	// DecisionEmpty: nothing to forward.
	DecisionEmpty Decision = "empty"
	// DecisionNoSink: no webhook configured.
	DecisionNoSink Decision = "no_sink"
	// DecisionForward: handed to the forwarder.
	DecisionForward Decision = "forward"
)

// MediaSource downloads inbound media through the session that saw it.
type MediaSource interface {
	DownloadMedia(ctx context.Context, sessionID string, media *domain.Media) ([]byte, error)
}

// Forwarder delivers an event to the callback.
type Forwarder interface {
	Forward(ctx context.Context, ev webhook.Event) error
}

// Config tunes the router.
type Config struct {
	PauseDuration   time.Duration
	DownloadTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithDecisionObserver is told every classification.
func WithDecisionObserver(fn func(Decision)) Option {
	return func(r *Router) { r.onDecision = fn }
}

// WithForwardObserver is told whether each forward succeeded.
func WithForwardObserver(fn func(err error)) Option {
	return func(r *Router) { r.onForward = fn }
}

// Router is the inbound pipeline.
type Router struct {
	pauses  *PauseBook
	media   MediaSource
	forward Forwarder
	cfg     Config
	logger  *slog.Logger

	onDecision func(Decision)
	onForward  func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router. fwd may be nil when no webhook is configured.
func New(pauses *PauseBook, media MediaSource, fwd Forwarder, cfg Config, opts ...Option) *Router {
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = 60 * time.Minute
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		pauses:  pauses,
		media:   media,
		forward: fwd,
		cfg:     cfg,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pauses exposes the pause book for operator control.
func (r *Router) Pauses() *PauseBook { return r.pauses }

// Handle routes msg, discarding the decision.
func (r *Router) Handle(msg domain.InboundMessage) {
	r.Route(msg)
}

// Route classifies msg and, when it should be forwarded, starts delivery in
// the background.
func (r *Router) Route(msg domain.InboundMessage) Decision {
	d := r.classify(msg)
	if r.onDecision != nil {
		r.onDecision(d)
	}
	return d
}

func (r *Router) classify(msg domain.InboundMessage) Decision {
	contact := msg.Contact()
	log := r.logger.With("session_id", msg.SessionID, "contact", contact)

	if msg.FromSelf {
		if msg.IsReply() {
			rec := r.pauses.Pause(contact, r.cfg.PauseDuration)
			log.Info("Manual reply observed, pausing automation", "pause_until", rec.PauseUntil)
			return DecisionHandover
		}
		return DecisionSelf
	}

	if until, ok := r.pauses.Until(contact); ok {
		log.Debug("Contact paused, dropping message", "pause_until", until)
		return DecisionPaused
	}

	text := msg.Text()
	if text == "" && msg.Media == nil {
		return DecisionEmpty
	}
	if r.forward == nil {
		return DecisionNoSink
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(msg, text, log)
	}()
	return DecisionForward
}

func (r *Router) deliver(msg domain.InboundMessage, text string, log *slog.Logger) {
	ev := webhook.Event{
		SessionID: msg.SessionID,
		From:      msg.Contact(),
		Sender:    msg.SenderID,
		Text:      text,
		Timestamp: msg.Timestamp,
	}

	if m := msg.Media; m != nil && r.media != nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DownloadTimeout)
		data, err := r.media.DownloadMedia(ctx, msg.SessionID, m)
		cancel()
		if err != nil {
			log.Warn("Media download failed", "media_type", m.Kind, "error", err)
			if text == "" {
				r.forwarded(err)
				return
			}
		} else {
			ev.Attachment = &webhook.Attachment{
				Kind:     string(m.Kind),
				MimeType: m.MimeType,
				FileName: m.DefaultFileName(),
				Data:     data,
			}
		}
	}

	err := r.forward.Forward(r.ctx, ev)
	if err != nil {
		log.Error("Webhook delivery failed", "error", err)
	} else {
		log.Info("Message forwarded", "has_media", ev.Attachment != nil)
	}
	r.forwarded(err)
}

func (r *Router) forwarded(err error) {
	if r.onForward != nil {
		r.onForward(err)
	}
}

// Wait blocks until in-flight deliveries finish.
func (r *Router) Wait() { r.wg.Wait() }

// Close waits for in-flight deliveries up to ctx, then cancels the rest.
func (r *Router) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
