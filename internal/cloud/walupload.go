package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"

	"github.com/pgship/pgship/internal/xlog"
)

// WalSuffix maps an upload compression to the object name suffix.
func WalSuffix(compression string) (string, error) {
	switch compression {
	case "":
		return "", nil
	case "gzip":
		return ".gz", nil
	case "bzip2":
		return ".bz2", nil
	}
	return "", &ConfigurationError{Reason: fmt.Sprintf("unsupported wal compression %q", compression)}
}

// UploadWal ships one WAL file, as handed over by archive_command, to
// <server>/wals/<hash dir>/<name>[suffix]. The object key is returned.
func UploadWal(ctx context.Context, cloud Uploader, serverName, walPath, compression string) (string, error) {
	name := filepath.Base(walPath)
	if !xlog.IsAnyXlogName(name) {
		return "", &ConfigurationError{Reason: fmt.Sprintf("%s is not a wal file name", name)}
	}
	suffix, err := WalSuffix(compression)
	if err != nil {
		return "", err
	}
	hashDir, err := xlog.HashDir(name)
	if err != nil {
		return "", err
	}
	key := path.Join(serverName, "wals", hashDir, name+suffix)

	f, err := os.Open(walPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body io.Reader = f
	if compression != "" {
		var buf bytes.Buffer
		if err := compressInto(&buf, f, compression); err != nil {
			return "", err
		}
		body = &buf
	}
	if err := cloud.PutObject(ctx, key, body); err != nil {
		return "", err
	}
	return key, nil
}

func compressInto(buf *bytes.Buffer, r io.Reader, compression string) error {
	var w io.WriteCloser
	var err error
	switch compression {
	case "gzip":
		w = gzip.NewWriter(buf)
	case "bzip2":
		w, err = bzip2.NewWriter(buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return err
		}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unsupported wal compression %q", compression)}
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
