package blob_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/compression"
	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

func stores(t *testing.T) map[string]blob.Store {
	t.Helper()
	plain, err := blob.NewFSStore(filepath.Join(t.TempDir(), "plain"), nil)
	require.NoError(t, err)
	gz, err := blob.NewFSStore(filepath.Join(t.TempDir(), "gz"), compressor(t, "gzip"))
	require.NoError(t, err)
	zst, err := blob.NewFSStore(filepath.Join(t.TempDir(), "zstd"), compressor(t, "zstd"))
	require.NoError(t, err)
	return map[string]blob.Store{
		"memory":  blob.NewMemoryStore(),
		"fs":      plain,
		"fs-gz":   gz,
		"fs-zstd": zst,
	}
}

func compressor(t *testing.T, kind string) *compression.Compressor {
	t.Helper()
	c, err := compression.New(kind, 0)
	require.NoError(t, err)
	return c
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	data := []byte(`{"title":"Roadmap"}`)
	hash := integrity.StateHash(data)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created, err := s.Put(ctx, hash, data)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.Put(ctx, hash, data)
			require.NoError(t, err)
			assert.False(t, created, "second put must be a no-op")

			got, err := s.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, hash))
			require.NoError(t, s.Delete(ctx, hash), "delete is idempotent")

			_, err = s.Get(ctx, hash)
			assert.ErrorIs(t, err, errclass.ErrNotFound)
			ok, err = s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFSStore_RejectsNonHashKeys(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), model.HashValue("../../escape"), []byte("x"))
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestFSStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := blob.NewFSStore(dir, nil)
	require.NoError(t, err)
	data := []byte("layout")
	hash := integrity.StateHash(data)
	_, err = s.Put(context.Background(), hash, data)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, string(hash)[:2], string(hash)))
	assert.NoError(t, err)
}

func TestFSStore_ReadsUncompressedWithCompressionOn(t *testing.T) {
	dir := t.TempDir()
	data := []byte("written before compression was enabled")
	hash := integrity.StateHash(data)

	plain, err := blob.NewFSStore(dir, nil)
	require.NoError(t, err)
	_, err = plain.Put(context.Background(), hash, data)
	require.NoError(t, err)

	gz, err := blob.NewFSStore(dir, compressor(t, "zstd"))
	require.NoError(t, err)
	got, err := gz.Get(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFSStore_CompressedLookingContentSurvives(t *testing.T) {
	ctx := context.Background()
	gz := compressor(t, "gzip")
	gzipped, err := gz.Compress([]byte("attachment body"))
	require.NoError(t, err)
	hash := integrity.StateHash(gzipped)

	dir := t.TempDir()
	plain, err := blob.NewFSStore(dir, nil)
	require.NoError(t, err)
	_, err = plain.Put(ctx, hash, gzipped)
	require.NoError(t, err)

	got, err := plain.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, gzipped, got)
	require.NoError(t, integrity.VerifyContent(got, hash))

	// Still readable once compression is switched on.
	zst, err := blob.NewFSStore(dir, compressor(t, "zstd"))
	require.NoError(t, err)
	got, err = zst.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, gzipped, got)
}

func TestMemoryStore_Corrupt(t *testing.T) {
	s := blob.NewMemoryStore()
	data := []byte("x")
	hash := integrity.StateHash(data)
	_, err := s.Put(context.Background(), hash, data)
	require.NoError(t, err)
	s.Corrupt(hash, []byte("y"))
	got, err := s.Get(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
	assert.Equal(t, 1, s.Len())
}
