package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemStore implements PackageStore on the local filesystem
type FileSystemStore struct {
	rootDir string
	maxSize int64
}

// NewFileSystemStore creates a new filesystem-based package store
func NewFileSystemStore(rootDir string, maxSize int64) (*FileSystemStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("filesystem root is required")
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxPackageSize
	}
	return &FileSystemStore{rootDir: rootDir, maxSize: maxSize}, nil
}

func (s *FileSystemStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid package key: %s", key)
	}
	return filepath.Join(s.rootDir, clean), nil
}

// Put writes data under its content address. The write goes through a
// temporary file so readers never observe a partial package.
func (s *FileSystemStore) Put(ctx context.Context, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if int64(len(data)) > s.maxSize {
		return Ref{}, ErrTooLarge
	}

	key, checksum := KeyFor(data)
	ref := Ref{Key: key, Checksum: checksum, Size: int64(len(data))}

	target, err := s.path(key)
	if err != nil {
		return Ref{}, err
	}
	if _, err := os.Stat(target); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Ref{}, fmt.Errorf("failed to create package directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Ref{}, fmt.Errorf("failed to write package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, fmt.Errorf("failed to write package: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Ref{}, fmt.Errorf("failed to store package: %w", err)
	}
	return ref, nil
}

// Open implements PackageStore.Open
func (s *FileSystemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	return f, nil
}

// Delete implements PackageStore.Delete
func (s *FileSystemStore) Delete(ctx context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete package: %w", err)
	}
	return nil
}

// HealthCheck verifies the root directory is still writable
func (s *FileSystemStore) HealthCheck(ctx context.Context) error {
	f, err := os.CreateTemp(s.rootDir, ".health-*")
	if err != nil {
		return fmt.Errorf("filesystem health check failed: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
