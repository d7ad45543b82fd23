// Package objectstore fetches uploaded document bytes by source URI.
//
// The engine treats the object store as an external collaborator: ingestion
// only needs GetObject. The file implementation serves local uploads; the
// memory implementation backs tests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxObjectBytes caps a single fetched object (32 MiB). Oversized uploads
// fail ingestion terminally rather than exhausting worker memory.
const MaxObjectBytes = 32 << 20

// Sentinel errors.
var (
	ErrNotFound     = errors.New("object not found")
	ErrTooLarge     = errors.New("object exceeds size limit")
	ErrBadScheme    = errors.New("unsupported object URI scheme")
	ErrOutsideRoot  = errors.New("object path escapes store root")
	ErrEmptyObject  = errors.New("object is empty")
)

// Store fetches object bytes by URI.
type Store interface {
	// GetObject returns the raw bytes for uri. Transient fetch failures
	// are returned as-is so the caller can classify them retryable.
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// FileStore serves file:// URIs rooted at a directory. Paths are cleaned and
// confined to the root to block traversal.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// GetObject implements Store for file:// URIs.
func (s *FileStore) GetObject(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetching object: %w", err)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing object URI %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}

	rel := strings.TrimPrefix(u.Path, "/")
	path := filepath.Join(s.root, filepath.Clean(rel))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %q", ErrOutsideRoot, u.Path)
	}

	f, err := os.Open(path) // #nosec G304 -- confined to root above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("opening object %s: %w", uri, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", uri, err)
	}
	if len(data) > MaxObjectBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, uri)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyObject, uri)
	}
	return data, nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Put stores data under uri.
func (s *MemStore) Put(uri string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[uri] = cp
}

// GetObject implements Store.
func (s *MemStore) GetObject(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetching object: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
