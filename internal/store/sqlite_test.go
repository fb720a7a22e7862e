package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sessionrelay/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteAuthRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	creds, err := repo.Load(ctx, "main")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected no credentials for a new session, got %q", creds)
	}

	if err := repo.Save(ctx, "main", domain.Credentials(`{"v":1}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, "main", domain.Credentials(`{"v":2}`)); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	creds, err = repo.Load(ctx, "main")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(creds) != `{"v":2}` {
		t.Fatalf("expected latest credentials, got %q", creds)
	}

	ids, err := repo.List(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "main" {
		t.Fatalf("unexpected List result: %v, %v", ids, err)
	}

	if err := repo.Purge(ctx, "main"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	creds, _ = repo.Load(ctx, "main")
	if creds != nil {
		t.Fatal("expected credentials to be purged")
	}
	if err := repo.Purge(ctx, "main"); err != nil {
		t.Fatalf("purging twice should be a no-op, got %v", err)
	}
}

func TestSQLitePauseRecords(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.SavePause(ctx, domain.PauseRecord{Contact: "c1", PauseUntil: until}); err != nil {
		t.Fatalf("SavePause failed: %v", err)
	}
	if err := repo.SavePause(ctx, domain.PauseRecord{Contact: "c1", PauseUntil: until.Add(time.Hour)}); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	recs, err := repo.LoadPauses(ctx)
	if err != nil {
		t.Fatalf("LoadPauses failed: %v", err)
	}
	if len(recs) != 1 || !recs[0].PauseUntil.Equal(until.Add(time.Hour)) {
		t.Fatalf("unexpected pauses: %+v", recs)
	}

	if err := repo.DeletePause(ctx, "c1"); err != nil {
		t.Fatalf("DeletePause failed: %v", err)
	}
	recs, _ = repo.LoadPauses(ctx)
	if len(recs) != 0 {
		t.Fatalf("expected no pauses, got %+v", recs)
	}
}

func TestSQLiteJobsKeepQueueOrder(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	j1 := &domain.DeliveryJob{ID: "j1", SessionID: "s", Recipient: "2010000001", Text: "Hello", EnqueuedAt: now, Status: domain.DeliveryQueued}
	j2 := &domain.DeliveryJob{ID: "j2", SessionID: "s", Recipient: "2010000002", Text: "World", EnqueuedAt: now, Status: domain.DeliveryQueued}
	for _, j := range []*domain.DeliveryJob{j1, j2} {
		if err := repo.AppendJob(ctx, j); err != nil {
			t.Fatalf("AppendJob failed: %v", err)
		}
	}

	// Requeueing j1 moves it behind j2.
	j1.AttemptCount = 1
	j1.Status = domain.DeliveryError
	if err := repo.AppendJob(ctx, j1); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	jobs, err := repo.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j2" || jobs[1].ID != "j1" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
	if jobs[1].AttemptCount != 1 || jobs[1].Status != domain.DeliveryError {
		t.Fatalf("requeued job not updated: %+v", jobs[1])
	}

	if err := repo.DeleteJob(ctx, "j2"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	jobs, _ = repo.LoadJobs(ctx)
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("unexpected jobs after delete: %+v", jobs)
	}
}
