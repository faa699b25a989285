package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Snapshot holds one document that is always replaced whole.
type Snapshot interface {
	// Load returns the last saved document, or ErrNotFound if none was saved.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileSnapshot stores the document in a single file. Saves write a temp file,
// fsync it, and rename it over the old one, so readers never see a partial write.
type FileSnapshot struct {
	path string
	mu   sync.Mutex
}

// NewFileSnapshot returns a snapshot stored at path. The parent directory is
// created on first save.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Path returns the snapshot file path.
func (s *FileSnapshot) Path() string { return s.path }

func (s *FileSnapshot) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}
	return data, nil
}

func (s *FileSnapshot) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic replaces path with data via temp file, fsync, and rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("storage: open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: write tmp: %w", err)
	}
	// Sync the temp file before rename for crash safety.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: close tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: rename tmp: %w", err)
	}
	return nil
}

// KeyedSnapshot stores a snapshot as the single document key of k. k must
// accept arbitrary documents; BadgerKeyed does, FileKeyed does not.
func KeyedSnapshot(k Keyed, key string) Snapshot {
	return &keyedSnapshot{k: k, key: key}
}

type keyedSnapshot struct {
	k   Keyed
	key string
}

func (s *keyedSnapshot) Load(ctx context.Context) ([]byte, error) {
	return s.k.Get(ctx, s.key)
}

func (s *keyedSnapshot) Save(ctx context.Context, data []byte) error {
	return s.k.Put(ctx, s.key, data)
}
