package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetRoundtrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"version": "1.0.0"}`)
	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, digest)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_PutIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	d1, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	d2, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	blobs, err := filepath.Glob(filepath.Join(dir, "*.blob"))
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestFileStore_GetUnknown(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), digestOf([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_MalformedDigest(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, digest := range []string{"md5:abcd", "sha256:zz", "sha256:", "plainhex"} {
		_, err := s.Get(ctx, digest)
		assert.ErrorContains(t, err, "malformed digest", digest)
		_, err = s.Exists(ctx, digest)
		assert.Error(t, err, digest)
		assert.Error(t, s.Delete(ctx, digest), digest)
	}
}

func TestFileStore_Delete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	digest, err := s.Put(ctx, []byte("ephemeral"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, digest))
	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent blob stays quiet.
	assert.NoError(t, s.Delete(ctx, digest))
}

func TestFileStore_CurrentPointer(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Current(ctx)
	assert.ErrorIs(t, err, ErrNoCurrent)

	d1, err := s.Put(ctx, []byte("bundle one"))
	require.NoError(t, err)
	d2, err := s.Put(ctx, []byte("bundle two"))
	require.NoError(t, err)

	require.NoError(t, s.SetCurrent(ctx, d1))
	cur, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, d1, cur)

	require.NoError(t, s.SetCurrent(ctx, d2))
	cur, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, d2, cur)

	// A scribbled pointer file is an error, not a silent empty state.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current"), []byte("garbage\n"), 0o644))
	_, err = s.Current(ctx)
	assert.ErrorContains(t, err, "corrupt current pointer")
}

func TestNewStore_Backends(t *testing.T) {
	ctx := context.Background()

	st, err := NewStore(ctx, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	st, err = NewStore(ctx, Options{Backend: BackendFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	_, err = NewStore(ctx, Options{Backend: BackendS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewStore(ctx, Options{Backend: BackendGCS})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewStore(ctx, Options{Backend: "tape"})
	assert.ErrorContains(t, err, "unknown backend")
}
