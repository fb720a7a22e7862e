package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/identity"
)

const credentialsFile = "creds.json"

// FileAuthStore keeps each session's credentials in its own directory under
// root, one directory per session id.
type FileAuthStore struct {
	root string
}

// NewFileAuthStore creates root if needed.
func NewFileAuthStore(root string) (*FileAuthStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create auth directory: %w", err)
	}
	return &FileAuthStore{root: root}, nil
}

func (s *FileAuthStore) dir(sessionID string) (string, error) {
	if !identity.ValidSessionID(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, sessionID), nil
}

// Load reads the session's credentials file.
func (s *FileAuthStore) Load(_ context.Context, sessionID string) (domain.Credentials, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return domain.Credentials(data), nil
}

// Save writes the credentials atomically via a temp file and rename.
func (s *FileAuthStore) Save(_ context.Context, sessionID string, creds domain.Credentials) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, credentialsFile+".*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	if _, err := tmp.Write(creds); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, credentialsFile)); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Purge removes the session directory.
func (s *FileAuthStore) Purge(_ context.Context, sessionID string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// List returns every session directory under root.
func (s *FileAuthStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list auth directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && identity.ValidSessionID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
