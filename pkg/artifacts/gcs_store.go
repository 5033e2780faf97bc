//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore keeps bundles in a Google Cloud Storage bucket. Credentials come
// from Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig parameterizes the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) blobKey(raw string) string { return s.prefix + raw + ".blob" }
func (s *GCSStore) currentKey() string        { return s.prefix + "current" }

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := digestOf(data)
	raw, err := rawHex(digest)
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(s.blobKey(raw))
	if _, err := obj.Attrs(ctx); err == nil {
		return digest, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: gcs commit: %w", err)
	}
	return digest, nil
}

func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := rawHex(digest)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.blobKey(raw)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", digest, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := rawHex(digest)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.blobKey(raw)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", digest, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, digest string) error {
	raw, err := rawHex(digest)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(s.blobKey(raw)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", digest, err)
	}
	return nil
}

func (s *GCSStore) SetCurrent(ctx context.Context, digest string) error {
	if _, err := rawHex(digest); err != nil {
		return err
	}
	w := s.client.Bucket(s.bucket).Object(s.currentKey()).NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := w.Write([]byte(digest + "\n")); err != nil {
		_ = w.Close()
		return fmt.Errorf("artifacts: gcs set current: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifacts: gcs commit current: %w", err)
	}
	return nil
}

func (s *GCSStore) Current(ctx context.Context) (string, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.currentKey()).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", ErrNoCurrent
		}
		return "", fmt.Errorf("artifacts: gcs get current: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("artifacts: gcs read current: %w", err)
	}
	digest := strings.TrimSpace(string(data))
	if _, err := rawHex(digest); err != nil {
		return "", fmt.Errorf("artifacts: corrupt current pointer: %w", err)
	}
	return digest, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
