// Package artifact persists captured heap profiles. Keys are slash-separated
// relative paths such as "heap/20261018T090000Z-<uuid>.pb.gz"; each backend
// maps them onto its own namespace.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/thruflo/memwatch/internal/config"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// store root.
var ErrInvalidKey = errors.New("invalid artifact key")

// ErrNotFound is returned by Get when no artifact exists for a key.
var ErrNotFound = errors.New("artifact not found")

// Store defines where heap snapshots are written.
type Store interface {
	// Put persists data under key and returns a location string suitable
	// for logging (a file path or an s3:// URL).
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves the data stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ValidateKey checks that key is a clean relative slash path.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: artifact directory is meant to be readable by operators
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Put writes data to a temp file and renames it into place.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := filepath.Join(s.baseDir, filepath.FromSlash(key))
	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp := dst + ".tmp"
	//nolint:gosec // G306: heap profiles are not secret
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}

	return dst, nil
}

// Get reads the artifact stored under key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// NewStore builds the Store selected by cfg.Type.
func NewStore(ctx context.Context, cfg config.Artifacts) (Store, error) {
	switch cfg.Type {
	case "", config.ArtifactTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = config.DefaultArtifactDir
		}
		return NewFileStore(dir)
	case config.ArtifactTypeS3:
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
