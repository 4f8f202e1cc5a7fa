package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/loamctl/loam/pkg/engine"
)

// FileStore persists the state document as JSON on the local filesystem.
// Saves write to a temporary file in the same directory, fsync it, and
// rename over the target so a crash never leaves a truncated document.
// Locking uses an adjacent lock file created with O_EXCL.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore creates a file store for the given path. The parent
// directory must exist.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("state parent %s is not a directory", filepath.Dir(path))
	}
	return &FileStore{path: path, logger: logger.With().Str("component", "state.file").Logger()}, nil
}

// Load reads the state document. A missing file yields an empty document.
func (s *FileStore) Load(_ context.Context) (*engine.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return engine.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	doc := engine.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if err := checkVersion(doc); err != nil {
		return nil, err
	}
	if doc.Records == nil {
		doc.Records = make(map[string]*engine.Record)
	}
	return doc, nil
}

// Save atomically persists the document and increments its serial.
func (s *FileStore) Save(_ context.Context, doc *engine.Document) error {
	doc.Serial++
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	s.logger.Debug().
		Uint64("serial", doc.Serial).
		Int("records", len(doc.Records)).
		Msg("state saved")
	return nil
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

// Lock acquires the advisory lock by creating the lock file exclusively.
func (s *FileStore) Lock(_ context.Context, info engine.LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode lock info: %w", err)
	}

	f, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		holder, readErr := s.readLock()
		if readErr != nil {
			return fmt.Errorf("state locked, lock file unreadable: %w", readErr)
		}
		return &LockConflictError{Holder: *holder}
	}
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(s.lockPath())
		return fmt.Errorf("write lock file: %w", err)
	}

	s.logger.Debug().Str("lock_id", info.ID).Str("operation", info.Operation).Msg("state locked")
	return nil
}

// Unlock releases the lock. The caller must present the lock ID returned
// by the Lock call; a mismatch means someone else holds the lock.
func (s *FileStore) Unlock(_ context.Context, id string) error {
	holder, err := s.readLock()
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state not locked")
	}
	if err != nil {
		return err
	}
	if holder.ID != id {
		return &LockConflictError{Holder: *holder}
	}
	if err := os.Remove(s.lockPath()); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	s.logger.Debug().Str("lock_id", id).Msg("state unlocked")
	return nil
}

// ForceUnlock removes the lock file regardless of holder. Used by the CLI
// to recover from crashed runs.
func (s *FileStore) ForceUnlock(_ context.Context) (*engine.LockInfo, error) {
	holder, err := s.readLock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("state not locked")
	}
	if err != nil {
		return nil, err
	}
	if err := os.Remove(s.lockPath()); err != nil {
		return nil, fmt.Errorf("remove lock file: %w", err)
	}
	return holder, nil
}

func (s *FileStore) readLock() (*engine.LockInfo, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return nil, err
	}
	var info engine.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode lock file: %w", err)
	}
	return &info, nil
}
