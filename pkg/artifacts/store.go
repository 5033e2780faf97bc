// Package artifacts stores published policy bundles in content-addressed
// storage. Every blob is keyed by its own sha256 digest, so publishes are
// idempotent and any fetched bundle can be re-verified offline. A single
// mutable pointer, "current", names the live bundle.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("artifacts: not found")
	ErrNoCurrent = errors.New("artifacts: no current bundle")
)

// Store is content-addressed storage plus the current pointer. Digests are
// "sha256:<hex>" over the stored bytes.
type Store interface {
	// Put persists data and returns its digest. Writing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by digest. ErrNotFound for unknown digests.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether a digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes a blob. Deleting an absent digest is not an error.
	Delete(ctx context.Context, digest string) error

	// SetCurrent points the live marker at a stored digest.
	SetCurrent(ctx context.Context, digest string) error
	// Current reads the live digest back. ErrNoCurrent when unset.
	Current(ctx context.Context) (string, error)
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// rawHex validates a digest and strips the algorithm prefix. The hex form
// is what backends use as a storage key, keeping keys path- and URL-safe.
func rawHex(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: malformed digest %q", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: malformed digest %q", digest)
	}
	return raw, nil
}

// FileStore is the filesystem backend, the lite-mode default.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) blobPath(raw string) string {
	return filepath.Join(s.dir, raw+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := digestOf(data)
	raw, err := rawHex(digest)
	if err != nil {
		return "", err
	}
	path := s.blobPath(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	// Write to a temp file, then rename, so readers never see a torn blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHex(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("artifacts: open blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHex(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.blobPath(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat blob: %w", err)
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHex(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) SetCurrent(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := rawHex(digest); err != nil {
		return err
	}
	path := filepath.Join(s.dir, "current")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("artifacts: write current: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifacts: commit current: %w", err)
	}
	return nil
}

func (s *FileStore) Current(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "current"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCurrent
		}
		return "", fmt.Errorf("artifacts: read current: %w", err)
	}
	digest := strings.TrimSpace(string(data))
	if _, err := rawHex(digest); err != nil {
		return "", fmt.Errorf("artifacts: corrupt current pointer: %w", err)
	}
	return digest, nil
}
