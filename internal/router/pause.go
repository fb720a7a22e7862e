package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/sessionrelay/internal/clock"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/store"
)

// PauseBook tracks human-handover pauses by contact. Expired entries are
// removed lazily on the next lookup.
type PauseBook struct {
	clock  clock.Clock
	store  store.PauseStore
	logger *slog.Logger

	mu     sync.Mutex
	pauses map[string]time.Time

	// storeMu orders writes to the store; b.mu is never held across them.
	storeMu sync.Mutex
}

// NewPauseBook creates an empty book. ps may be nil for an in-memory book.
func NewPauseBook(c clock.Clock, ps store.PauseStore) *PauseBook {
	if c == nil {
		c = clock.Real()
	}
	return &PauseBook{
		clock:  c,
		store:  ps,
		logger: slog.Default(),
		pauses: make(map[string]time.Time),
	}
}

// Load restores persisted pauses, discarding any that already expired.
func (b *PauseBook) Load(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	recs, err := b.store.LoadPauses(ctx)
	if err != nil {
		return 0, err
	}
	now := b.clock.Now()
	var expired []string
	b.mu.Lock()
	for _, rec := range recs {
		if !rec.Active(now) {
			expired = append(expired, rec.Contact)
			continue
		}
		b.pauses[rec.Contact] = rec.PauseUntil
	}
	b.mu.Unlock()

	for _, contact := range expired {
		b.persist(contact)
	}
	return len(recs) - len(expired), nil
}

// Pause suspends forwarding for contact until now+d, replacing any
// existing pause.
func (b *PauseBook) Pause(contact string, d time.Duration) domain.PauseRecord {
	rec := domain.PauseRecord{Contact: contact, PauseUntil: b.clock.Now().Add(d)}
	b.mu.Lock()
	b.pauses[contact] = rec.PauseUntil
	b.mu.Unlock()

	b.persist(contact)
	return rec
}

// Resume lifts a pause. It reports whether one was active.
func (b *PauseBook) Resume(contact string) bool {
	b.mu.Lock()
	until, ok := b.pauses[contact]
	delete(b.pauses, contact)
	active := ok && b.clock.Now().Before(until)
	b.mu.Unlock()
	b.persist(contact)
	return active
}

// Paused reports whether contact is under an active pause. An expired pause
// is deleted as a side effect.
func (b *PauseBook) Paused(contact string) bool {
	_, ok := b.Until(contact)
	return ok
}

// Until returns the pause deadline for contact if one is active.
func (b *PauseBook) Until(contact string) (time.Time, bool) {
	b.mu.Lock()
	until, ok := b.pauses[contact]
	if !ok {
		b.mu.Unlock()
		return time.Time{}, false
	}
	if b.clock.Now().Before(until) {
		b.mu.Unlock()
		return until, true
	}
	delete(b.pauses, contact)
	b.mu.Unlock()

	b.persist(contact)
	return time.Time{}, false
}

// List returns active pauses ordered by contact.
func (b *PauseBook) List() []domain.PauseRecord {
	now := b.clock.Now()
	b.mu.Lock()
	out := make([]domain.PauseRecord, 0, len(b.pauses))
	for contact, until := range b.pauses {
		if now.Before(until) {
			out = append(out, domain.PauseRecord{Contact: contact, PauseUntil: until})
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Contact < out[j].Contact })
	return out
}

// persist writes the in-memory state of contact to the store: an active
// pause is saved, anything else is deleted. Callers must not hold b.mu.
func (b *PauseBook) persist(contact string) {
	if b.store == nil {
		return
	}
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	b.mu.Lock()
	until, ok := b.pauses[contact]
	b.mu.Unlock()

	ctx := context.Background()
	if ok {
		rec := domain.PauseRecord{Contact: contact, PauseUntil: until}
		if err := b.store.SavePause(ctx, rec); err != nil {
			b.logger.Error("Failed to persist pause", "contact", contact, "error", err)
		}
		return
	}
	if err := b.store.DeletePause(ctx, contact); err != nil {
		b.logger.Error("Failed to delete stored pause", "contact", contact, "error", err)
	}
}
