// Package queue implements the outbound delivery queue.
//
// Jobs are processed one per tick by a single worker. A job that cannot be
// delivered is re-appended to the tail of the queue, so delivery order is
// FIFO only among jobs that never fail; a retried job lands behind everything
// enqueued while it was in flight. The latest outcome of each recipient's
// most recent job is kept in a status map (last write wins).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/sessionrelay/internal/clock"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/identity"
	"github.com/ashureev/sessionrelay/internal/store"
	"github.com/ashureev/sessionrelay/internal/transport"
)

// ErrInvalidJob rejects a job missing its session or recipient.
var ErrInvalidJob = errors.New("invalid delivery job")

// emptyTextPlaceholder is sent when a job carries neither text nor a usable
// attachment; the network rejects empty bodies.
const emptyTextPlaceholder = " "

// Sessions is the part of the session manager the worker needs.
type Sessions interface {
	Handle(id string) (transport.Handle, bool)
	Repair(id string, cause error)
}

// Pauser reports whether automated traffic to a contact is suspended.
type Pauser interface {
	Paused(contact string) bool
}

// Fetcher resolves an attachment reference into bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*transport.Attachment, error)
}

// Observer is told the outcome of every processed job.
type Observer func(job domain.DeliveryJob)

// Config tunes the worker.
type Config struct {
	Tick                   time.Duration
	MaxRetries             int
	AttachmentFetchTimeout time.Duration
	SendTimeout            time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore persists pending jobs.
func WithStore(s store.JobStore) Option { return func(q *Queue) { q.jobs = s } }

// WithFetcher sets the attachment fetcher.
func WithFetcher(f Fetcher) Option { return func(q *Queue) { q.fetcher = f } }

// WithPauser withholds jobs for paused recipients.
func WithPauser(p Pauser) Option { return func(q *Queue) { q.pauser = p } }

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option { return func(q *Queue) { q.observer = o } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// Queue is the outbound FIFO plus its status map.
type Queue struct {
	sessions Sessions
	cfg      Config
	jobs     store.JobStore
	fetcher  Fetcher
	pauser   Pauser
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*domain.DeliveryJob
	status  map[string]domain.DeliveryStatus
}

// New creates an empty queue.
func New(sessions Sessions, cfg Config, opts ...Option) *Queue {
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AttachmentFetchTimeout <= 0 {
		cfg.AttachmentFetchTimeout = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	q := &Queue{
		sessions: sessions,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		status:   make(map[string]domain.DeliveryStatus),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load restores persisted jobs, head first. It is meant to run once at boot
// before the worker starts.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.jobs == nil {
		return 0, nil
	}
	jobs, err := q.jobs.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending jobs: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		q.pending = append(q.pending, job)
		q.status[job.Recipient] = domain.DeliveryQueued
	}
	return len(jobs), nil
}

// Enqueue validates and appends a job. Delivery happens later on the worker.
func (q *Queue) Enqueue(ctx context.Context, sessionID, recipient, text, attachmentRef string) (domain.DeliveryJob, error) {
	sessionID = strings.TrimSpace(sessionID)
	recipient = strings.TrimSpace(recipient)
	if sessionID == "" || recipient == "" {
		return domain.DeliveryJob{}, fmt.Errorf("%w: session and recipient are required", ErrInvalidJob)
	}
	if !identity.ValidSessionID(sessionID) {
		return domain.DeliveryJob{}, fmt.Errorf("%w: bad session id %q", ErrInvalidJob, sessionID)
	}
	if !identity.ValidRecipient(recipient) {
		return domain.DeliveryJob{}, fmt.Errorf("%w: bad recipient %q", ErrInvalidJob, recipient)
	}

	job := &domain.DeliveryJob{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Recipient:     recipient,
		Text:          text,
		AttachmentRef: strings.TrimSpace(attachmentRef),
		EnqueuedAt:    q.clock.Now(),
		Status:        domain.DeliveryQueued,
	}
	if q.jobs != nil {
		if err := q.jobs.AppendJob(ctx, job); err != nil {
			return domain.DeliveryJob{}, fmt.Errorf("persist job: %w", err)
		}
	}

	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.status[recipient] = domain.DeliveryQueued
	q.mu.Unlock()

	q.logger.Debug("Job queued", "job_id", job.ID, "session_id", sessionID, "recipient", recipient)
	return *job, nil
}

// Run processes one job per tick until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.cfg.Tick)
	defer ticker.Stop()
	q.logger.Info("Delivery worker started", "interval", q.cfg.Tick, "max_retries", q.cfg.MaxRetries)

	for {
		select {
		case <-ticker.C:
			q.ProcessNext(ctx)
		case <-ctx.Done():
			q.logger.Info("Delivery worker shutting down", "reason", ctx.Err(), "pending", q.Len())
			return
		}
	}
}

// ProcessNext pops the head job and attempts delivery. It reports whether a
// job was taken.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	job := q.pop()
	if job == nil {
		return false
	}
	job.AttemptCount++
	log := q.logger.With("job_id", job.ID, "session_id", job.SessionID, "recipient", job.Recipient, "attempt", job.AttemptCount)

	h, ok := q.sessions.Handle(job.SessionID)
	if !ok {
		log.Warn("No live session for job")
		q.retryOrDrop(ctx, job, domain.DeliveryNoSession)
		return true
	}

	to := identity.NormalizeRecipient(job.Recipient)
	if q.pauser != nil && q.pauser.Paused(to) {
		log.Info("Recipient under human handover, job withheld")
		q.finish(ctx, job, domain.DeliveryPaused)
		return true
	}

	payload := q.payload(ctx, job, log)

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	err := h.Send(sendCtx, to, payload)
	cancel()
	switch {
	case err == nil:
		log.Info("Message sent")
		q.finish(ctx, job, domain.DeliverySent)
	case transport.IsConnectionLost(err):
		log.Warn("Connection lost while sending, repairing session", "error", err)
		q.sessions.Repair(job.SessionID, err)
		q.retryOrDrop(ctx, job, domain.DeliveryError)
	default:
		log.Error("Send failed", "error", err)
		q.retryOrDrop(ctx, job, domain.DeliveryError)
	}
	return true
}

func (q *Queue) payload(ctx context.Context, job *domain.DeliveryJob, log *slog.Logger) transport.Payload {
	p := transport.Payload{Text: job.Text}
	if job.HasAttachment() {
		if q.fetcher == nil {
			log.Warn("No attachment fetcher configured, sending text only")
		} else {
			fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.AttachmentFetchTimeout)
			att, err := q.fetcher.Fetch(fetchCtx, job.AttachmentRef)
			cancel()
			if err != nil {
				log.Warn("Attachment fetch failed, sending text only", "attachment_ref", job.AttachmentRef, "error", err)
			} else {
				p.Attachment = att
			}
		}
	}
	if p.Attachment == nil && p.Text == "" {
		p.Text = emptyTextPlaceholder
	}
	return p
}

func (q *Queue) pop() *domain.DeliveryJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return job
}

// retryOrDrop records status and re-appends the job while retries remain.
// MaxRetries counts attempts after the first.
func (q *Queue) retryOrDrop(ctx context.Context, job *domain.DeliveryJob, status domain.DeliveryStatus) {
	if job.AttemptCount > q.cfg.MaxRetries {
		q.logger.Warn("Job dropped after final attempt", "job_id", job.ID, "recipient", job.Recipient, "status", status, "attempts", job.AttemptCount)
		q.finish(ctx, job, status)
		return
	}
	job.Status = status
	if q.jobs != nil {
		if err := q.jobs.AppendJob(ctx, job); err != nil {
			q.logger.Error("Failed to persist requeued job", "job_id", job.ID, "error", err)
		}
	}
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.status[job.Recipient] = status
	q.mu.Unlock()
	q.observe(job)
}

func (q *Queue) finish(ctx context.Context, job *domain.DeliveryJob, status domain.DeliveryStatus) {
	job.Status = status
	if q.jobs != nil {
		if err := q.jobs.DeleteJob(ctx, job.ID); err != nil {
			q.logger.Error("Failed to delete finished job", "job_id", job.ID, "error", err)
		}
	}
	q.mu.Lock()
	q.status[job.Recipient] = status
	q.mu.Unlock()
	q.observe(job)
}

func (q *Queue) observe(job *domain.DeliveryJob) {
	if q.observer != nil {
		q.observer(*job)
	}
}

// Status returns the latest status recorded for recipient.
func (q *Queue) Status(recipient string) (domain.DeliveryStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.status[strings.TrimSpace(recipient)]
	return s, ok
}

// Statuses returns a copy of the whole status map.
func (q *Queue) Statuses() map[string]domain.DeliveryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]domain.DeliveryStatus, len(q.status))
	for k, v := range q.status {
		out[k] = v
	}
	return out
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
