//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, opts Options) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: opts.Bucket, Prefix: opts.Prefix})
}
