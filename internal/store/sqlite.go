package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	jobMu sync.Mutex // serialises tail-position allocation
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_state (
		session_id TEXT PRIMARY KEY,
		credentials BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pause_records (
		contact TEXT PRIMARY KEY,
		pause_until INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		attachment_ref TEXT NOT NULL DEFAULT '',
		enqueued_at INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_jobs_position ON delivery_jobs(position);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Load retrieves the credentials for a session.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (domain.Credentials, error) {
	var creds []byte
	err := s.db.QueryRowContext(ctx, `SELECT credentials FROM auth_state WHERE session_id = ?`, sessionID).Scan(&creds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return domain.Credentials(creds), nil
}

// Save creates or replaces the credentials for a session.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, creds domain.Credentials) error {
	query := `
	INSERT INTO auth_state (session_id, credentials, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		credentials = excluded.credentials,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "save_credentials", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, sessionID, []byte(creds), time.Now().Unix()); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		return nil
	})
}

// Purge deletes the credentials for a session.
func (s *SQLiteStore) Purge(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "purge_credentials", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_state WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("purge credentials: %w", err)
		}
		return nil
	})
}

// List returns every session id with stored credentials.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM auth_state ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return ids, nil
}

// SavePause creates or extends a pause.
func (s *SQLiteStore) SavePause(ctx context.Context, rec domain.PauseRecord) error {
	query := `
	INSERT INTO pause_records (contact, pause_until)
	VALUES (?, ?)
	ON CONFLICT(contact) DO UPDATE SET pause_until = excluded.pause_until`

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "save_pause", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, rec.Contact, rec.PauseUntil.UnixMilli()); err != nil {
			return fmt.Errorf("save pause: %w", err)
		}
		return nil
	})
}

// DeletePause removes a pause.
func (s *SQLiteStore) DeletePause(ctx context.Context, contact string) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete_pause", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pause_records WHERE contact = ?`, contact); err != nil {
			return fmt.Errorf("delete pause: %w", err)
		}
		return nil
	})
}

// LoadPauses returns every stored pause.
func (s *SQLiteStore) LoadPauses(ctx context.Context) ([]domain.PauseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact, pause_until FROM pause_records`)
	if err != nil {
		return nil, fmt.Errorf("query pauses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pause rows", "error", closeErr)
		}
	}()

	var out []domain.PauseRecord
	for rows.Next() {
		var rec domain.PauseRecord
		var until int64
		if err := rows.Scan(&rec.Contact, &until); err != nil {
			return nil, fmt.Errorf("scan pause row: %w", err)
		}
		rec.PauseUntil = time.UnixMilli(until)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pauses: %w", err)
	}
	return out, nil
}

// AppendJob stores a job at the tail of the queue.
func (s *SQLiteStore) AppendJob(ctx context.Context, job *domain.DeliveryJob) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	query := `
	INSERT INTO delivery_jobs (id, session_id, recipient, text, attachment_ref, enqueued_at, attempt_count, status, position)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM delivery_jobs))
	ON CONFLICT(id) DO UPDATE SET
		attempt_count = excluded.attempt_count,
		status = excluded.status,
		position = excluded.position`

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append_job", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID, job.SessionID, job.Recipient, job.Text, job.AttachmentRef,
			job.EnqueuedAt.UnixMilli(), job.AttemptCount, string(job.Status),
		)
		if err != nil {
			return fmt.Errorf("append job: %w", err)
		}
		return nil
	})
}

// DeleteJob removes a job.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete_job", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
}

// LoadJobs returns pending jobs in queue order.
func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*domain.DeliveryJob, error) {
	query := `
		SELECT id, session_id, recipient, text, attachment_ref,
		       enqueued_at, attempt_count, status
		FROM delivery_jobs ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job rows", "error", closeErr)
		}
	}()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		var job domain.DeliveryJob
		var enqueuedAt int64
		var status string
		if err := rows.Scan(
			&job.ID, &job.SessionID, &job.Recipient, &job.Text, &job.AttachmentRef,
			&enqueuedAt, &job.AttemptCount, &status,
		); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		job.EnqueuedAt = time.UnixMilli(enqueuedAt)
		job.Status = domain.DeliveryStatus(status)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
