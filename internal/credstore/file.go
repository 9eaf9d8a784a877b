package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps T as an indented JSON file (token.json, credentials.json, ...).
type FileStore[T any] struct {
	path string
	perm fs.FileMode
}

// NewFileStore returns a store writing path with 0600 permissions.
func NewFileStore[T any](path string) *FileStore[T] {
	return &FileStore[T]{path: path, perm: 0o600}
}

// Path returns the backing file path.
func (s *FileStore[T]) Path() string { return s.path }

func (s *FileStore[T]) Load(_ context.Context) (T, error) {
	var v T
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, ErrNotFound
		}
		return v, fmt.Errorf("%w: read %s: %w", ErrStoreIO, s.path, err)
	}
	if len(data) == 0 {
		return v, ErrNotFound
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode %s: %w", ErrStoreIO, s.path, err)
	}
	return v, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target so readers never observe a half-written document.
func (s *FileStore[T]) Save(_ context.Context, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreIO, s.path, err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrStoreIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStoreIO, s.path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s: %w", ErrStoreIO, s.path, err)
	}
	if err := tmp.Chmod(s.perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: chmod %s: %w", ErrStoreIO, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStoreIO, s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrStoreIO, s.path, err)
	}
	return nil
}

func (s *FileStore[T]) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreIO, s.path, err)
	}
	return nil
}
