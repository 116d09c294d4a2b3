package cloud

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWal(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestUploadWalPlain(t *testing.T) {
	store := newFakeStore()
	content := bytes.Repeat([]byte{0x7f}, 256)
	path := writeWal(t, "000000010000000000000042", content)

	key, err := UploadWal(context.Background(), store, "main", path, "")
	require.NoError(t, err)
	assert.Equal(t, "main/wals/0000000100000000/000000010000000000000042", key)
	assert.Equal(t, content, store.objects[key])
}

func TestUploadWalGzip(t *testing.T) {
	store := newFakeStore()
	content := bytes.Repeat([]byte("wal data "), 100)
	path := writeWal(t, "000000010000000000000043", content)

	key, err := UploadWal(context.Background(), store, "main", path, "gzip")
	require.NoError(t, err)
	assert.Equal(t, "main/wals/0000000100000000/000000010000000000000043.gz", key)

	zr, err := gzip.NewReader(bytes.NewReader(store.objects[key]))
	require.NoError(t, err)
	restored, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestUploadWalHistoryAtTopLevel(t *testing.T) {
	store := newFakeStore()
	path := writeWal(t, "00000002.history", []byte("1\t0/3000000\treason\n"))

	key, err := UploadWal(context.Background(), store, "main", path, "")
	require.NoError(t, err)
	assert.Equal(t, "main/wals/00000002.history", key)
}

func TestUploadWalRejectsNonWalNames(t *testing.T) {
	store := newFakeStore()
	path := writeWal(t, "not-a-wal", []byte("x"))

	_, err := UploadWal(context.Background(), store, "main", path, "")
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWalSuffix(t *testing.T) {
	for compression, want := range map[string]string{
		"": "", "gzip": ".gz", "bzip2": ".bz2",
	} {
		got, err := WalSuffix(compression)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := WalSuffix("lz4")
	assert.Error(t, err)
}
