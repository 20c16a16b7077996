package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage archives audiobooks into a directory on disk.
type LocalStorage struct {
	baseDir string
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates local storage rooted at baseDir, creating the
// directory if needed.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Upload copies a local file into the library under key.
func (l *LocalStorage) Upload(_ context.Context, localPath, key string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, localPath)
		}
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer src.Close()

	dest := filepath.Join(l.baseDir, filepath.Base(key))
	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating archived copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("copying artifact: %w", err)
	}
	return dest, nil
}
