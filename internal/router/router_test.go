package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sessionrelay/internal/clock"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/store"
	"github.com/ashureev/sessionrelay/internal/webhook"
)

const customer = "2010000001@s.whatsapp.net"

type recordingForwarder struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (f *recordingForwarder) Forward(_ context.Context, ev webhook.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingForwarder) all() []webhook.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webhook.Event, len(f.events))
	copy(out, f.events)
	return out
}

type mediaMap map[string][]byte

func (m mediaMap) DownloadMedia(_ context.Context, _ string, media *domain.Media) ([]byte, error) {
	data, ok := m[media.Key]
	if !ok {
		return nil, errors.New("media expired")
	}
	return data, nil
}

func newTestRouter(fwd Forwarder, media MediaSource) (*Router, *clock.FakeClock) {
	fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := New(NewPauseBook(fake, nil), media, fwd, Config{PauseDuration: 60 * time.Minute})
	return r, fake
}

func inbound(text string) domain.InboundMessage {
	return domain.InboundMessage{SessionID: "A", ChatID: customer, SenderID: customer, Body: text}
}

func manualReply() domain.InboundMessage {
	return domain.InboundMessage{SessionID: "A", ChatID: customer, FromSelf: true, QuotedID: "MSG-1", Body: "I'll handle this"}
}

func TestManualReplyPausesContact(t *testing.T) {
	fwd := &recordingForwarder{}
	r, fake := newTestRouter(fwd, nil)

	if d := r.Route(manualReply()); d != DecisionHandover {
		t.Fatalf("expected handover, got %s", d)
	}

	fake.Advance(30 * time.Minute)
	if d := r.Route(inbound("still there?")); d != DecisionPaused {
		t.Fatalf("expected paused at t0+30m, got %s", d)
	}
	r.Wait()
	if n := len(fwd.all()); n != 0 {
		t.Fatalf("expected nothing forwarded while paused, got %d", n)
	}

	fake.Advance(31 * time.Minute)
	if d := r.Route(inbound("hello again")); d != DecisionForward {
		t.Fatalf("expected forward at t0+61m, got %s", d)
	}
	r.Wait()
	events := fwd.all()
	if len(events) != 1 || events[0].Text != "hello again" || events[0].From != customer || events[0].SessionID != "A" {
		t.Fatalf("unexpected forwarded events: %+v", events)
	}
	if r.Pauses().Paused(customer) {
		t.Fatal("expected expired pause to be cleared")
	}
	if len(r.Pauses().List()) != 0 {
		t.Fatal("expected no pauses listed")
	}
}

func TestSelfMessageWithoutQuoteIgnored(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, nil)

	msg := domain.InboundMessage{SessionID: "A", ChatID: customer, FromSelf: true, Body: "broadcast"}
	if d := r.Route(msg); d != DecisionSelf {
		t.Fatalf("expected self, got %s", d)
	}
	r.Wait()
	if len(fwd.all()) != 0 {
		t.Fatal("self messages must never be forwarded")
	}
	if r.Pauses().Paused(customer) {
		t.Fatal("a non-reply self message must not pause the contact")
	}
}

func TestSelfMessageWithoutQuoteKeepsExistingPause(t *testing.T) {
	r, fake := newTestRouter(&recordingForwarder{}, nil)

	r.Route(manualReply())
	before, ok := r.Pauses().Until(customer)
	if !ok {
		t.Fatal("expected contact paused")
	}

	fake.Advance(20 * time.Minute)
	msg := domain.InboundMessage{SessionID: "A", ChatID: customer, FromSelf: true, Body: "follow-up"}
	if d := r.Route(msg); d != DecisionSelf {
		t.Fatalf("expected self, got %s", d)
	}
	after, ok := r.Pauses().Until(customer)
	if !ok || !after.Equal(before) {
		t.Fatalf("expected pause deadline unchanged at %v, got %v (active=%v)", before, after, ok)
	}
}

func TestEmptyMessageDropped(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, nil)
	if d := r.Route(inbound("")); d != DecisionEmpty {
		t.Fatalf("expected empty, got %s", d)
	}
}

func TestTextFallsBackToCaption(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, nil)
	msg := domain.InboundMessage{SessionID: "A", ChatID: customer, Caption: "pic caption"}
	r.Route(msg)
	r.Wait()
	if ev := fwd.all(); len(ev) != 1 || ev[0].Text != "pic caption" {
		t.Fatalf("expected caption forwarded, got %+v", ev)
	}
}

func TestMediaDownloadedAndForwarded(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, mediaMap{"k1": []byte("video-bytes")})
	msg := domain.InboundMessage{
		SessionID: "A", ChatID: customer,
		Media: &domain.Media{Kind: domain.MediaVideo, MimeType: "video/mp4", Key: "k1"},
	}
	if d := r.Route(msg); d != DecisionForward {
		t.Fatalf("expected forward, got %s", d)
	}
	r.Wait()
	events := fwd.all()
	if len(events) != 1 || events[0].Attachment == nil {
		t.Fatalf("expected attachment forwarded, got %+v", events)
	}
	att := events[0].Attachment
	if att.Kind != "video" || att.FileName != "video.mp4" || string(att.Data) != "video-bytes" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestMediaDownloadFailure(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, mediaMap{})

	withText := domain.InboundMessage{SessionID: "A", ChatID: customer, Caption: "doc",
		Media: &domain.Media{Kind: domain.MediaDocument, Key: "gone"}}
	mediaOnly := domain.InboundMessage{SessionID: "A", ChatID: customer,
		Media: &domain.Media{Kind: domain.MediaImage, Key: "gone"}}
	r.Route(withText)
	r.Route(mediaOnly)
	r.Wait()

	events := fwd.all()
	if len(events) != 1 || events[0].Text != "doc" || events[0].Attachment != nil {
		t.Fatalf("expected only the text to be forwarded, got %+v", events)
	}
}

func TestNoSinkConfigured(t *testing.T) {
	r, _ := newTestRouter(nil, nil)
	if d := r.Route(inbound("hi")); d != DecisionNoSink {
		t.Fatalf("expected no_sink, got %s", d)
	}
}

func TestResumeLiftsPause(t *testing.T) {
	fwd := &recordingForwarder{}
	r, _ := newTestRouter(fwd, nil)
	r.Route(manualReply())
	if !r.Pauses().Resume(customer) {
		t.Fatal("expected an active pause to be lifted")
	}
	if r.Pauses().Resume(customer) {
		t.Fatal("expected second resume to report nothing active")
	}
	if d := r.Route(inbound("back to bot")); d != DecisionForward {
		t.Fatalf("expected forward after resume, got %s", d)
	}
	r.Wait()
}

func TestDecisionObserver(t *testing.T) {
	var got []Decision
	fake := clock.Fake(time.Unix(0, 0))
	r := New(NewPauseBook(fake, nil), nil, nil, Config{}, WithDecisionObserver(func(d Decision) {
		got = append(got, d)
	}))
	r.Route(manualReply())
	r.Route(inbound("x"))
	if len(got) != 2 || got[0] != DecisionHandover || got[1] != DecisionPaused {
		t.Fatalf("unexpected decisions: %v", got)
	}
}

func TestPauseBookPersists(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()
	fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	book := NewPauseBook(fake, repo)
	book.Pause(customer, time.Hour)
	book.Pause("short@s.whatsapp.net", time.Minute)

	fake.Advance(10 * time.Minute)
	restored := NewPauseBook(fake, repo)
	n, err := restored.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 || !restored.Paused(customer) {
		t.Fatalf("expected one active pause restored, got %d", n)
	}
	recs, err := repo.LoadPauses(context.Background())
	if err != nil {
		t.Fatalf("LoadPauses: %v", err)
	}
	if len(recs) != 1 || recs[0].Contact != customer {
		t.Fatalf("expected expired pause purged from store, got %+v", recs)
	}
}

// stallingPauseStore blocks DeletePause until released, like a locked
// database retrying with backoff.
type stallingPauseStore struct {
	entered chan string
	release chan struct{}
}

func (s *stallingPauseStore) SavePause(context.Context, domain.PauseRecord) error { return nil }

func (s *stallingPauseStore) DeletePause(_ context.Context, contact string) error {
	s.entered <- contact
	<-s.release
	return nil
}

func (s *stallingPauseStore) LoadPauses(context.Context) ([]domain.PauseRecord, error) {
	return nil, nil
}

func TestExpiredPauseDeletionDoesNotBlockLookups(t *testing.T) {
	fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ps := &stallingPauseStore{entered: make(chan string, 1), release: make(chan struct{})}
	book := NewPauseBook(fake, ps)

	const other = "2010000002@s.whatsapp.net"
	book.Pause(customer, time.Minute)
	book.Pause(other, time.Hour)
	fake.Advance(2 * time.Minute)

	expired := make(chan bool, 1)
	go func() { expired <- book.Paused(customer) }()
	select {
	case got := <-ps.entered:
		if got != customer {
			t.Fatalf("expected deletion of %s, got %s", customer, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected expired pause to be deleted from the store")
	}

	looked := make(chan bool, 1)
	go func() { looked <- book.Paused(other) }()
	select {
	case paused := <-looked:
		if !paused {
			t.Fatal("expected other contact to stay paused")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lookup blocked behind a stalled store write")
	}

	close(ps.release)
	if <-expired {
		t.Fatal("expected expired pause to report not paused")
	}
}
