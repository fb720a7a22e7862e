package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sessionrelay/internal/clock"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/store"
	"github.com/ashureev/sessionrelay/internal/transport"
	"github.com/ashureev/sessionrelay/internal/transport/transporttest"
)

type fakeSessions struct {
	mu      sync.Mutex
	handles map[string]*transporttest.Handle
	repairs []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{handles: make(map[string]*transporttest.Handle)}
}

func (s *fakeSessions) add(id string) *transporttest.Handle {
	h := transporttest.NewHandle()
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	return h
}

func (s *fakeSessions) Handle(id string) (transport.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *fakeSessions) Repair(id string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repairs = append(s.repairs, id)
	delete(s.handles, id)
}

type pausedSet map[string]bool

func (p pausedSet) Paused(contact string) bool { return p[contact] }

type fetcherFunc func(ctx context.Context, ref string) (*transport.Attachment, error)

func (f fetcherFunc) Fetch(ctx context.Context, ref string) (*transport.Attachment, error) {
	return f(ctx, ref)
}

func testConfig() Config {
	return Config{Tick: 2 * time.Second, MaxRetries: 3}
}

func mustEnqueue(t *testing.T, q *Queue, session, recipient, text, ref string) domain.DeliveryJob {
	t.Helper()
	job, err := q.Enqueue(context.Background(), session, recipient, text, ref)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", recipient, err)
	}
	return job
}

func TestFIFODelivery(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	q := New(sessions, testConfig())
	ctx := context.Background()

	mustEnqueue(t, q, "A", "2010000001", "Hello", "")
	mustEnqueue(t, q, "A", "2010000002", "World", "")

	if !q.ProcessNext(ctx) || !q.ProcessNext(ctx) {
		t.Fatal("expected two jobs processed")
	}
	if q.ProcessNext(ctx) {
		t.Fatal("expected empty queue")
	}

	sent := h.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].Recipient != "2010000001@s.whatsapp.net" || sent[0].Payload.Text != "Hello" {
		t.Errorf("unexpected first send: %+v", sent[0])
	}
	if sent[1].Recipient != "2010000002@s.whatsapp.net" || sent[1].Payload.Text != "World" {
		t.Errorf("unexpected second send: %+v", sent[1])
	}
	for _, r := range []string{"2010000001", "2010000002"} {
		if s, _ := q.Status(r); s != domain.DeliverySent {
			t.Errorf("status(%s) = %q, want sent", r, s)
		}
	}
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	q := New(newFakeSessions(), testConfig())
	cases := []struct{ session, recipient string }{
		{"", "2010000001"},
		{"A", ""},
		{"A", "not a number"},
		{"../x", "2010000001"},
	}
	for _, c := range cases {
		if _, err := q.Enqueue(context.Background(), c.session, c.recipient, "x", ""); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("Enqueue(%q, %q) = %v, want ErrInvalidJob", c.session, c.recipient, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected nothing queued, got %d", q.Len())
	}
}

func TestNoSessionRetriesThenDrops(t *testing.T) {
	q := New(newFakeSessions(), Config{MaxRetries: 1})
	ctx := context.Background()
	mustEnqueue(t, q, "ghost", "2010000001", "Hello", "")

	q.ProcessNext(ctx)
	if s, _ := q.Status("2010000001"); s != domain.DeliveryNoSession {
		t.Fatalf("expected no_session, got %q", s)
	}
	if q.Len() != 1 {
		t.Fatalf("expected job requeued, got len %d", q.Len())
	}
	q.ProcessNext(ctx)
	if q.Len() != 0 {
		t.Fatalf("expected job dropped after retries, got len %d", q.Len())
	}
	if s, _ := q.Status("2010000001"); s != domain.DeliveryNoSession {
		t.Fatalf("expected final status no_session, got %q", s)
	}
}

func TestFailedJobGoesToTail(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	h.SetSendFunc(func(recipient string, _ transport.Payload) error {
		if recipient == "2010000001@s.whatsapp.net" {
			return errors.New("recipient rejected")
		}
		return nil
	})
	q := New(sessions, testConfig())
	ctx := context.Background()
	mustEnqueue(t, q, "A", "2010000001", "first", "")
	mustEnqueue(t, q, "A", "2010000002", "second", "")

	q.ProcessNext(ctx)
	if s, _ := q.Status("2010000001"); s != domain.DeliveryError {
		t.Fatalf("expected error status, got %q", s)
	}
	q.ProcessNext(ctx)
	if s, _ := q.Status("2010000002"); s != domain.DeliverySent {
		t.Fatalf("expected second job sent, got %q", s)
	}
	if q.Len() != 1 {
		t.Fatalf("expected failed job waiting at tail, got len %d", q.Len())
	}
}

func TestConnectionLossRepairsSession(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	h.SetSendErr(fmt.Errorf("write: %w", transport.ErrConnectionLost))
	q := New(sessions, testConfig())
	ctx := context.Background()
	mustEnqueue(t, q, "A", "2010000001", "Hello", "")

	q.ProcessNext(ctx)
	if len(sessions.repairs) != 1 || sessions.repairs[0] != "A" {
		t.Fatalf("expected session A repaired, got %v", sessions.repairs)
	}
	if q.Len() != 1 {
		t.Fatalf("expected job requeued after connection loss, got %d", q.Len())
	}

	fresh := sessions.add("A")
	q.ProcessNext(ctx)
	if len(fresh.Sent()) != 1 {
		t.Fatal("expected retry to go out on the reconnected handle")
	}
	if s, _ := q.Status("2010000001"); s != domain.DeliverySent {
		t.Fatalf("expected sent, got %q", s)
	}
}

func TestPausedRecipientWithheld(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	q := New(sessions, testConfig(), WithPauser(pausedSet{"2010000001@s.whatsapp.net": true}))
	mustEnqueue(t, q, "A", "2010000001", "Hello", "")

	q.ProcessNext(context.Background())
	if len(h.Sent()) != 0 {
		t.Fatal("expected nothing sent to paused recipient")
	}
	if s, _ := q.Status("2010000001"); s != domain.DeliveryPaused {
		t.Fatalf("expected paused, got %q", s)
	}
	if q.Len() != 0 {
		t.Fatalf("expected paused job dropped, got %d", q.Len())
	}
}

func TestAttachmentFetchFailureFallsBackToText(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	failing := fetcherFunc(func(context.Context, string) (*transport.Attachment, error) {
		return nil, errors.New("timeout")
	})
	q := New(sessions, testConfig(), WithFetcher(failing))
	ctx := context.Background()
	mustEnqueue(t, q, "A", "2010000001", "caption", "https://cdn.example/a.jpg")
	mustEnqueue(t, q, "A", "2010000002", "", "https://cdn.example/b.jpg")

	q.ProcessNext(ctx)
	q.ProcessNext(ctx)
	sent := h.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].Payload.Attachment != nil || sent[0].Payload.Text != "caption" {
		t.Errorf("expected text-only fallback, got %+v", sent[0].Payload)
	}
	if sent[1].Payload.Text != " " {
		t.Errorf("expected placeholder text, got %q", sent[1].Payload.Text)
	}
}

func TestAttachmentFetchedOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	sessions := newFakeSessions()
	h := sessions.add("A")
	q := New(sessions, testConfig(), WithFetcher(NewHTTPFetcher(srv.Client())))
	mustEnqueue(t, q, "A", "2010000001", "look", srv.URL+"/media/photo.png")

	q.ProcessNext(context.Background())
	sent := h.Sent()
	if len(sent) != 1 || sent[0].Payload.Attachment == nil {
		t.Fatalf("expected attachment send, got %+v", sent)
	}
	att := sent[0].Payload.Attachment
	if string(att.Data) != "png-bytes" || att.MimeType != "image/png" || att.FileName != "photo.png" {
		t.Errorf("unexpected attachment: %+v", att)
	}
	if sent[0].Payload.Text != "look" {
		t.Errorf("expected caption preserved, got %q", sent[0].Payload.Text)
	}
}

func TestHTTPFetcherRejectsErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := NewHTTPFetcher(srv.Client())
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing.jpg"); err == nil {
		t.Error("expected error for 404")
	}
	if _, err := f.Fetch(context.Background(), "file:///etc/passwd"); err == nil {
		t.Error("expected error for non-http reference")
	}
}

func TestPendingJobsSurviveRestart(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	sessions := newFakeSessions()
	first := New(sessions, testConfig(), WithStore(repo))
	mustEnqueue(t, first, "A", "2010000001", "one", "")
	mustEnqueue(t, first, "A", "2010000002", "two", "")

	h := sessions.add("A")
	second := New(sessions, testConfig(), WithStore(repo))
	n, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored jobs, got %d", n)
	}
	second.ProcessNext(ctx)
	second.ProcessNext(ctx)
	sent := h.Sent()
	if len(sent) != 2 || sent[0].Payload.Text != "one" || sent[1].Payload.Text != "two" {
		t.Fatalf("expected restored jobs in order, got %+v", sent)
	}

	left, err := repo.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected delivered jobs removed from store, got %d", len(left))
	}
}

func TestRunProcessesOnTick(t *testing.T) {
	sessions := newFakeSessions()
	h := sessions.add("A")
	fake := clock.Fake(time.Unix(0, 0))
	var mu sync.Mutex
	var outcomes []domain.DeliveryStatus
	q := New(sessions, testConfig(), WithClock(fake), WithObserver(func(j domain.DeliveryJob) {
		mu.Lock()
		outcomes = append(outcomes, j.Status)
		mu.Unlock()
	}))
	mustEnqueue(t, q, "A", "2010000001", "Hello", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fake.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(2 * time.Second)
	for len(h.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if len(h.Sent()) != 1 {
		t.Fatalf("expected one send after one tick, got %d", len(h.Sent()))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != domain.DeliverySent {
		t.Fatalf("unexpected observed outcomes: %v", outcomes)
	}
}
