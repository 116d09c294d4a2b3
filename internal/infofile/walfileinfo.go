package infofile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Compression identifiers as stored in the WAL catalog.
const (
	CompressionGzip  = "gzip"
	CompressionBzip2 = "bzip2"
	CompressionZstd  = "zstd"
)

var compressionMagic = []struct {
	name  string
	magic []byte
}{
	{CompressionGzip, []byte{0x1f, 0x8b}},
	{CompressionBzip2, []byte("BZh")},
	{CompressionZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
}

// SniffCompression identifies a compressed stream by its magic bytes.
// Returns the empty string for plain content.
func SniffCompression(header []byte) string {
	for _, c := range compressionMagic {
		if bytes.HasPrefix(header, c.magic) {
			return c.name
		}
	}
	return ""
}

// SniffFileCompression reads the first bytes of path and identifies its
// compression, if any.
func SniffFileCompression(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return SniffCompression(header[:n]), nil
}

// WalFileInfo is one immutable record of the WAL catalog.
// Time is seconds since the epoch (fractional part preserved).
type WalFileInfo struct {
	Name        string
	Size        int64
	Time        float64
	Compression string
}

// WalFileInfoFromFile stats path and sniffs the content compression.
// When the content is plain, defaultCompression is recorded instead
// (empty means none).
func WalFileInfoFromFile(path string, defaultCompression string) (*WalFileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	compression, err := SniffFileCompression(path)
	if err != nil {
		return nil, err
	}
	if compression == "" {
		compression = defaultCompression
	}
	return &WalFileInfo{
		Name:        stat.Name(),
		Size:        stat.Size(),
		Time:        float64(stat.ModTime().UnixNano()) / 1e9,
		Compression: compression,
	}, nil
}

// ToXlogdbLine renders the catalog record: name, size, mtime and
// compression, tab-separated, with the literal absent-value token for no
// compression.
func (w *WalFileInfo) ToXlogdbLine() string {
	compression := w.Compression
	if compression == "" {
		compression = NoneValue
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s\n",
		w.Name,
		w.Size,
		strconv.FormatFloat(w.Time, 'f', -1, 64),
		compression,
	)
}

// ParseXlogdbLine is the inverse of ToXlogdbLine.
func ParseXlogdbLine(line string) (*WalFileInfo, error) {
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	if len(fields) != 4 {
		return nil, fmt.Errorf("malformed xlogdb line: %q", line)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed xlogdb size in %q: %w", line, err)
	}
	mtime, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed xlogdb mtime in %q: %w", line, err)
	}
	compression := fields[3]
	if compression == NoneValue {
		compression = ""
	}
	return &WalFileInfo{
		Name:        fields[0],
		Size:        size,
		Time:        mtime,
		Compression: compression,
	}, nil
}
