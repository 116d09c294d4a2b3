package cloud

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"
)

// DefaultChunkSize is the multipart flush threshold: a part is shipped as
// soon as the buffer grows past it.
const DefaultChunkSize = 10 << 21 // ~21 MB

// Uploader is the slice of the S3 interface the tar machinery needs.
type Uploader interface {
	PutObject(ctx context.Context, key string, body io.Reader) error
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (types.CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// TarUploader streams one tar archive into a multipart upload: writes
// accumulate in a bounded buffer, every chunk-size crossing flushes one
// part, Close ships the remainder and completes the object. The whole
// archive is never held in memory.
type TarUploader struct {
	cloud     Uploader
	key       string
	uploadID  string
	chunkSize int

	// ctx is carried because the tar writer drives us through io.Writer
	ctx context.Context

	buf        bytes.Buffer
	partNumber int32
	parts      []types.CompletedPart

	tarWriter  *tar.Writer
	compressor io.WriteCloser

	l *slog.Logger
}

// NewTarUploader opens the multipart upload for key and layers the tar
// (and optional compression) stream on top of it.
func NewTarUploader(ctx context.Context, cloud Uploader, key, compression string, chunkSize int) (*TarUploader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	uploadID, err := cloud.CreateMultipartUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	t := &TarUploader{
		cloud:     cloud,
		key:       key,
		uploadID:  uploadID,
		chunkSize: chunkSize,
		ctx:       ctx,
		l:         slog.With(slog.String("component", "tar-uploader"), slog.String("key", key)),
	}

	var dst io.Writer = t
	switch compression {
	case "":
	case "gzip":
		t.compressor = gzip.NewWriter(dst)
		dst = t.compressor
	case "bzip2":
		bz, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			_ = cloud.AbortMultipartUpload(ctx, key, uploadID)
			return nil, err
		}
		t.compressor = bz
		dst = t.compressor
	default:
		_ = cloud.AbortMultipartUpload(ctx, key, uploadID)
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported tar compression %q", compression)}
	}
	t.tarWriter = tar.NewWriter(dst)
	return t, nil
}

// TarSuffix maps a compression name to the archive file suffix.
func TarSuffix(compression string) (string, error) {
	switch compression {
	case "":
		return ".tar", nil
	case "gzip":
		return ".tar.gz", nil
	case "bzip2":
		return ".tar.bz2", nil
	}
	return "", &ConfigurationError{Reason: fmt.Sprintf("unsupported tar compression %q", compression)}
}

func (t *TarUploader) Tar() *tar.Writer {
	return t.tarWriter
}

// Write buffers archive bytes, flushing a full part before accepting more
// once the buffer has grown past the chunk size.
func (t *TarUploader) Write(p []byte) (int, error) {
	if t.buf.Len() > t.chunkSize {
		if err := t.flushPart(); err != nil {
			return 0, err
		}
	}
	return t.buf.Write(p)
}

func (t *TarUploader) flushPart() error {
	t.partNumber++
	t.l.Debug("uploading part",
		slog.Int("part", int(t.partNumber)),
		slog.Int("size", t.buf.Len()))
	part, err := t.cloud.UploadPart(t.ctx, t.key, t.uploadID, t.partNumber, bytes.NewReader(t.buf.Bytes()))
	if err != nil {
		return err
	}
	t.parts = append(t.parts, part)
	t.buf.Reset()
	return nil
}

// Close finalizes the archive: tar trailer, compressor flush, the
// remainder part, and the completion call with all parts in ascending
// order. On failure the caller must Abort.
func (t *TarUploader) Close() error {
	if err := t.tarWriter.Close(); err != nil {
		return err
	}
	if t.compressor != nil {
		if err := t.compressor.Close(); err != nil {
			return err
		}
	}
	if t.buf.Len() > 0 || len(t.parts) == 0 {
		if err := t.flushPart(); err != nil {
			return err
		}
	}
	return t.cloud.CompleteMultipartUpload(t.ctx, t.key, t.uploadID, t.parts)
}

// Abort discards the in-progress multipart upload.
func (t *TarUploader) Abort() error {
	return t.cloud.AbortMultipartUpload(t.ctx, t.key, t.uploadID)
}

// UploadStats summarizes what a controller shipped.
type UploadStats struct {
	Archives int
	Files    int
	Bytes    int64
}

// UploadController groups backup content into one tar archive per logical
// destination (pgdata, one per tablespace) and streams each through a
// TarUploader.
type UploadController struct {
	cloud       Uploader
	prefix      string
	compression string
	chunkSize   int
	limiter     *rate.Limiter

	uploaders map[string]*TarUploader
	stats     UploadStats

	l *slog.Logger
}

// ControllerOpts tunes the upload controller.
type ControllerOpts struct {
	Compression string // "", "gzip" or "bzip2"
	ChunkSize   int
	BwLimitKBps int
}

func NewUploadController(cloud Uploader, prefix string, opts *ControllerOpts) (*UploadController, error) {
	if opts == nil {
		opts = &ControllerOpts{}
	}
	if _, err := TarSuffix(opts.Compression); err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if opts.BwLimitKBps > 0 {
		bps := opts.BwLimitKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}
	return &UploadController{
		cloud:       cloud,
		prefix:      prefix,
		compression: opts.Compression,
		chunkSize:   opts.ChunkSize,
		limiter:     limiter,
		uploaders:   make(map[string]*TarUploader),
		l:           slog.With(slog.String("component", "upload-controller")),
	}, nil
}

func (c *UploadController) uploader(ctx context.Context, dst string) (*TarUploader, error) {
	if up, ok := c.uploaders[dst]; ok {
		return up, nil
	}
	suffix, err := TarSuffix(c.compression)
	if err != nil {
		return nil, err
	}
	up, err := NewTarUploader(ctx, c.cloud, path.Join(c.prefix, dst+suffix), c.compression, c.chunkSize)
	if err != nil {
		return nil, err
	}
	c.uploaders[dst] = up
	c.stats.Archives++
	return up, nil
}

// UploadDirectory walks src and appends every allowed file to the dst
// archive. Path filters apply at both directory-prune and file
// granularity: a directory that fails the filter is not recursed into.
func (c *UploadController) UploadDirectory(ctx context.Context, label, src, dst string, exclude, include []string) error {
	c.l.Info("uploading directory",
		slog.String("label", label),
		slog.String("src", src),
		slog.String("dst", dst))

	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if !pathAllowed(exclude, include, rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !pathAllowed(exclude, include, rel, false) {
			return nil
		}
		return c.addRegularFile(ctx, p, dst, filepath.ToSlash(rel))
	})
}

// AddFile appends one file to the dst archive under the given archive
// path. When optional is set, a missing source is skipped silently.
func (c *UploadController) AddFile(ctx context.Context, label, src, dst, archivePath string, optional bool) error {
	if _, err := os.Stat(src); err != nil {
		if optional && os.IsNotExist(err) {
			c.l.Info("optional file is absent, skipping",
				slog.String("label", label),
				slog.String("src", src))
			return nil
		}
		return err
	}
	return c.addRegularFile(ctx, src, dst, archivePath)
}

func (c *UploadController) addRegularFile(ctx context.Context, src, dst, archivePath string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if c.limiter != nil {
		r = &rateLimitedReader{ctx: ctx, r: f, limiter: c.limiter}
	}
	return c.AddFileObj(ctx, r, dst, archivePath, info.Size(), info.Mode(), info.ModTime())
}

// AddFileObj appends size bytes from r to the dst archive.
func (c *UploadController) AddFileObj(ctx context.Context, r io.Reader, dst, archivePath string, size int64, mode os.FileMode, modTime time.Time) error {
	up, err := c.uploader(ctx, dst)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     archivePath,
		Size:     size,
		Mode:     int64(mode.Perm()),
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := up.Tar().WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(up.Tar(), r)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short read of %s: wrote %d of %d bytes", archivePath, n, size)
	}
	c.stats.Files++
	c.stats.Bytes += n
	return nil
}

// UploadFileObj ships one standalone object (not part of any tar) under
// the controller prefix.
func (c *UploadController) UploadFileObj(ctx context.Context, r io.Reader, name string) error {
	return c.cloud.PutObject(ctx, path.Join(c.prefix, name), r)
}

// Close finalizes every open archive. On error the remaining uploads are
// aborted so no partial multipart upload is leaked.
func (c *UploadController) Close() error {
	dsts := make([]string, 0, len(c.uploaders))
	for dst := range c.uploaders {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)

	for i, dst := range dsts {
		if err := c.uploaders[dst].Close(); err != nil {
			c.abortFrom(dsts[i:])
			return err
		}
		delete(c.uploaders, dst)
	}
	return nil
}

// Abort discards every in-progress upload.
func (c *UploadController) Abort() {
	dsts := make([]string, 0, len(c.uploaders))
	for dst := range c.uploaders {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	c.abortFrom(dsts)
}

func (c *UploadController) abortFrom(dsts []string) {
	for _, dst := range dsts {
		up, ok := c.uploaders[dst]
		if !ok {
			continue
		}
		if err := up.Abort(); err != nil {
			c.l.Error("cannot abort multipart upload",
				slog.String("dst", dst), slog.Any("err", err))
		}
		delete(c.uploaders, dst)
	}
}

func (c *UploadController) Statistics() UploadStats {
	return c.stats
}

// pathAllowed applies the exclude/include pattern lists to a path relative
// to the walked root: excluded unless an include pattern rescues it.
func pathAllowed(exclude, include []string, rel string, isDir bool) bool {
	if !matchPath(exclude, rel, isDir) {
		return true
	}
	return matchPath(include, rel, isDir)
}

func matchPath(patterns []string, rel string, isDir bool) bool {
	p := "/" + filepath.ToSlash(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		// "/pg_wal/*" also prunes the /pg_wal directory itself
		if isDir && strings.HasSuffix(pattern, "/*") {
			if ok, _ := path.Match(strings.TrimSuffix(pattern, "/*"), p); ok {
				return true
			}
		}
	}
	return false
}

// rateLimitedReader paces reads at the configured upload bandwidth.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
