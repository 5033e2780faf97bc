package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Backend names accepted by NewStore.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Options selects and parameterizes a backend. Values usually come from
// config.Load (RELAY_ARTIFACTS_*).
type Options struct {
	Backend string // fs (default), s3, or gcs
	Dir     string // fs root, default data/artifacts
	Bucket  string // s3/gcs bucket
	Prefix  string // optional object key prefix

	// S3 only. Region falls back to AWS_REGION, then us-east-1; Endpoint
	// targets MinIO or LocalStack.
	Region   string
	Endpoint string
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFS:
		dir := opts.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case BackendS3:
		if opts.Bucket == "" {
			return nil, errors.New("artifacts: bucket is required for the s3 backend")
		}
		region := opts.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case BackendGCS:
		if opts.Bucket == "" {
			return nil, errors.New("artifacts: bucket is required for the gcs backend")
		}
		return newGCSStore(ctx, opts)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", opts.Backend)
	}
}
