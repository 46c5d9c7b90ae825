package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a package reference does not resolve
var ErrNotFound = errors.New("package not found")

// ErrTooLarge is returned when a package exceeds the store's size limit
var ErrTooLarge = errors.New("package too large")

// Ref identifies a stored package. Keys are content addressed, so storing
// the same bytes twice yields the same Ref.
type Ref struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// PackageStore keeps uploaded plugin packages
type PackageStore interface {
	// Put stores data and returns its reference
	Put(ctx context.Context, data []byte) (Ref, error)

	// Open streams a stored package
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a stored package; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
}

// Config for package storage backends
type Config struct {
	Type string // "filesystem" or "s3"

	// Filesystem config
	FilesystemRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Upper bound for a single package
	MaxPackageSize int64

	// Timeout applied to each backend call
	OperationTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "filesystem",
		FilesystemRoot:   "/tmp/modulo/packages",
		S3Region:         "us-east-1",
		MaxPackageSize:   50 * 1024 * 1024,
		OperationTimeout: 30 * time.Second,
	}
}

// KeyFor returns the content addressed key for data
func KeyFor(data []byte) (key, checksum string) {
	sum := sha256.Sum256(data)
	checksum = hex.EncodeToString(sum[:])
	return fmt.Sprintf("packages/sha256/%s/%s.jar", checksum[:2], checksum[2:]), checksum
}

// ReadAll loads a whole package, refusing anything larger than limit bytes
func ReadAll(ctx context.Context, store PackageStore, key string, limit int64) ([]byte, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// New builds the store selected by cfg.Type
func New(ctx context.Context, cfg Config) (PackageStore, error) {
	switch cfg.Type {
	case "filesystem", "":
		return NewFileSystemStore(cfg.FilesystemRoot, cfg.MaxPackageSize)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("invalid storage type: %s (must be filesystem or s3)", cfg.Type)
	}
}
