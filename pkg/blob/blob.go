// Package blob stores finished audio artifacts and hands back a URL the
// job record can carry.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists a finished artifact under a key and returns its URL.
type Store interface {
	// Put writes data under key with the given content type and returns
	// the artifact's URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the artifact stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the artifact stored under key. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error
}

// FileStore keeps artifacts on the local filesystem under a base directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create parent of %s: %w", key, err)
	}
	// Write to a temp file first so readers never see a partial artifact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob: finalize %s: %w", key, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
