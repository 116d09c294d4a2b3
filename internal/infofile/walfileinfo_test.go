package infofile

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffCompression(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   string
	}{
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, CompressionGzip},
		{"bzip2", []byte("BZh91AY"), CompressionBzip2},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, CompressionZstd},
		{"plain", []byte("hello"), ""},
		{"short", []byte{0x1f}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffCompression(tt.header))
		})
	}
}

func TestWalFileInfoFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("plain file takes the configured default", func(t *testing.T) {
		path := filepath.Join(dir, "000000010000000000000001")
		require.NoError(t, os.WriteFile(path, []byte("wal content"), 0o600))

		wfi, err := WalFileInfoFromFile(path, "")
		require.NoError(t, err)
		assert.Equal(t, "000000010000000000000001", wfi.Name)
		assert.Equal(t, int64(len("wal content")), wfi.Size)
		assert.Empty(t, wfi.Compression)

		wfi, err = WalFileInfoFromFile(path, CompressionGzip)
		require.NoError(t, err)
		assert.Equal(t, CompressionGzip, wfi.Compression)
	})

	t.Run("content sniff wins over the default", func(t *testing.T) {
		path := filepath.Join(dir, "000000010000000000000002")
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte("wal content"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

		wfi, err := WalFileInfoFromFile(path, CompressionZstd)
		require.NoError(t, err)
		assert.Equal(t, CompressionGzip, wfi.Compression)
	})
}

func TestXlogdbLineRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		wfi  WalFileInfo
		line string
	}{
		{
			name: "uncompressed",
			wfi:  WalFileInfo{Name: "000000010000000000000001", Size: 16777216, Time: 1756376100.123456},
			line: "000000010000000000000001\t16777216\t1756376100.123456\tNone\n",
		},
		{
			name: "gzip",
			wfi:  WalFileInfo{Name: "000000010000000000000002", Size: 4231, Time: 1756376101, Compression: CompressionGzip},
			line: "000000010000000000000002\t4231\t1756376101\tgzip\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.line, tt.wfi.ToXlogdbLine())

			parsed, err := ParseXlogdbLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, &tt.wfi, parsed)
		})
	}
}

func TestParseXlogdbLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"a\tb\tc",
		"name\tnot-a-size\t1.0\tNone\n",
		"name\t1\tnot-a-time\tNone\n",
	} {
		_, err := ParseXlogdbLine(line)
		assert.Error(t, err, "line %q", line)
	}
}
