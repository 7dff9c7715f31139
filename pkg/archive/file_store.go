package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps blobs as files in one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Dir() string { return s.baseDir }

func (s *FileStore) path(addr string) (string, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, blobKey("", digest)), nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	addr := Address(data)
	path, err := s.path(addr)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}
	// Write to a temp file and rename so readers never see a partial blob.
	tmp := path + ".tmp"
	//nolint:gosec // G306: exported documents are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(ctx context.Context, addr string) ([]byte, error) {
	path, err := s.path(addr)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path) //nolint:gosec // path built from a validated digest
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", addr, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, addr string) (bool, error) {
	path, err := s.path(addr)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: stat %s: %w", addr, err)
	}
}

func (s *FileStore) Delete(ctx context.Context, addr string) error {
	path, err := s.path(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive: delete %s: %w", addr, err)
	}
	return nil
}
