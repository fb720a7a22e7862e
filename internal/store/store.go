// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/sessionrelay/internal/domain"
)

// AuthStore persists opaque per-session credential material.
type AuthStore interface {
	// Load returns the stored credentials, or nil when none exist.
	Load(ctx context.Context, sessionID string) (domain.Credentials, error)

	// Save replaces the credentials for a session.
	Save(ctx context.Context, sessionID string, creds domain.Credentials) error

	// Purge removes all auth material for a session. Purging a missing
	// session is not an error.
	Purge(ctx context.Context, sessionID string) error

	// List returns the ids of every session with stored credentials.
	List(ctx context.Context) ([]string, error)
}

// PauseStore persists human-handover pauses across restarts.
type PauseStore interface {
	// SavePause creates or extends a pause.
	SavePause(ctx context.Context, rec domain.PauseRecord) error

	// DeletePause removes a pause. Deleting a missing pause is not an error.
	DeletePause(ctx context.Context, contact string) error

	// LoadPauses returns every stored pause, expired or not.
	LoadPauses(ctx context.Context) ([]domain.PauseRecord, error)
}

// JobStore persists pending outbound jobs in queue order.
type JobStore interface {
	// AppendJob stores a job at the tail of the queue. A job that is
	// already stored moves to the tail.
	AppendJob(ctx context.Context, job *domain.DeliveryJob) error

	// DeleteJob removes a job once it reached a final outcome.
	DeleteJob(ctx context.Context, id string) error

	// LoadJobs returns pending jobs, head first.
	LoadJobs(ctx context.Context) ([]*domain.DeliveryJob, error)
}

// Repository bundles every persistence concern backed by one database.
type Repository interface {
	AuthStore
	PauseStore
	JobStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
