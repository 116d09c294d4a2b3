package walarchive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/metrics"
	"github.com/pgship/pgship/internal/pg"
	"github.com/pgship/pgship/internal/wal"
	"github.com/pgship/pgship/internal/xlog"
)

// ServerInfo is the slice of pg.Conn the file archiver needs for its
// remote status probe.
type ServerInfo interface {
	Setting(ctx context.Context, name string) (string, error)
	ArchiverStatsAvailable(ctx context.Context) (bool, error)
	ArchiverStats(ctx context.Context) (*pg.ArchiverStats, error)
}

type FileArchiverOpts struct {
	ServerName  string
	IncomingDir string
	ErrorsDir   string
	Store       *ArchiveStore
	Catalog     *wal.Catalog

	// Server may be nil when the database is unreachable. The archive
	// pass itself never talks to the server.
	Server ServerInfo
}

// FileArchiver drains the incoming spool directory filled by
// archive_command into the WAL archive.
type FileArchiver struct {
	serverName  string
	incomingDir string
	errorsDir   string
	store       *ArchiveStore
	catalog     *wal.Catalog
	server      ServerInfo

	mu     sync.Mutex
	status map[string]any

	l *slog.Logger
}

func NewFileArchiver(opts *FileArchiverOpts) *FileArchiver {
	return &FileArchiver{
		serverName:  opts.ServerName,
		incomingDir: opts.IncomingDir,
		errorsDir:   opts.ErrorsDir,
		store:       opts.Store,
		catalog:     opts.Catalog,
		server:      opts.Server,
		l:           slog.With(slog.String("component", "file-archiver")),
	}
}

func (a *FileArchiver) Name() string { return "file archiver" }

func (a *FileArchiver) RemoteStatus(ctx context.Context) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != nil {
		return a.status
	}
	status := map[string]any{
		"archive_mode":    nil,
		"archive_command": nil,
		"archiver_stats":  nil,
	}
	a.status = status
	if a.server == nil {
		return status
	}
	if mode, err := a.server.Setting(ctx, "archive_mode"); err == nil {
		status["archive_mode"] = mode
	}
	if command, err := a.server.Setting(ctx, "archive_command"); err == nil {
		status["archive_command"] = command
	}
	if ok, err := a.server.ArchiverStatsAvailable(ctx); err == nil && ok {
		if stats, err := a.server.ArchiverStats(ctx); err == nil {
			status["archiver_stats"] = stats
		}
	}
	return status
}

func (a *FileArchiver) ResetRemoteStatus() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = nil
}

func (a *FileArchiver) Check(ctx context.Context) []CheckItem {
	status := a.RemoteStatus(ctx)
	items := make([]CheckItem, 0, 2)

	mode, _ := status["archive_mode"].(string)
	items = append(items, CheckItem{
		Name: "archive_mode",
		OK:   mode == "on" || mode == "always",
		Hint: "please set it to 'on' or 'always'",
	})
	command, _ := status["archive_command"].(string)
	items = append(items, CheckItem{
		Name: "archive_command",
		OK:   command != "" && command != "(disabled)",
		Hint: "please set it accordingly",
	})
	return items
}

// Archive runs one pass over the incoming directory, in WAL order.
// A failure on one segment quarantines or skips that segment and the
// pass moves on; only a broken spool directory fails the whole pass.
func (a *FileArchiver) Archive(ctx context.Context) error {
	batch, err := a.nextBatch()
	if err != nil {
		return &ArchiverError{Archiver: a.Name(), Cause: err}
	}
	for _, name := range batch {
		if err := ctx.Err(); err != nil {
			return &ArchiverError{Archiver: a.Name(), Cause: err}
		}
		if err := a.archiveOne(ctx, name); err != nil {
			metrics.WalArchiveErrors.WithLabelValues(a.serverName).Inc()
			a.l.Error("error archiving wal file",
				slog.String("name", name),
				slog.Any("err", err),
			)
			continue
		}
		metrics.WalArchived.WithLabelValues(a.serverName).Inc()
	}
	return nil
}

func (a *FileArchiver) nextBatch() ([]string, error) {
	entries, err := os.ReadDir(a.incomingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (a *FileArchiver) archiveOne(ctx context.Context, name string) error {
	src := filepath.Join(a.incomingDir, name)

	if !validArchiveName(name) {
		a.l.Warn("quarantining unknown file", slog.String("name", name))
		return a.quarantine(src, "unknown")
	}

	dst, err := archivePath(name)
	if err != nil {
		return err
	}
	if exists, err := a.store.Raw.Exists(ctx, dst); err != nil {
		return err
	} else if exists {
		a.l.Warn("quarantining duplicate file", slog.String("name", name))
		return a.quarantine(src, "duplicate")
	}

	// A segment that arrives already compressed is stored as-is and its
	// compression is recorded from the magic bytes, not from the config.
	sniffed, err := infofile.SniffFileCompression(src)
	if err != nil {
		return err
	}
	stor := a.store.Files
	compression := a.store.Compression
	if sniffed != "" {
		stor = a.store.Raw
		compression = sniffed
	}

	fl, err := os.Open(src)
	if err != nil {
		return err
	}
	if err := stor.Put(ctx, dst, fl); err != nil {
		_ = fl.Close()
		return err
	}
	if err := fl.Close(); err != nil {
		return err
	}

	info, err := infofile.WalFileInfoFromFile(src, compression)
	if err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return err
	}
	a.l.Info("archived wal file",
		slog.String("name", name),
		slog.String("compression", orNone(compression)),
	)
	return a.catalog.Append(info)
}

// quarantine moves a rejected incoming file into the errors directory,
// timestamped so repeated offenders never collide.
func (a *FileArchiver) quarantine(src, reason string) error {
	if err := os.MkdirAll(a.errorsDir, 0o750); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(a.errorsDir, fmt.Sprintf("%s.%s.%s", filepath.Base(src), stamp, reason))
	return os.Rename(src, dst)
}

func validArchiveName(name string) bool {
	return xlog.IsWalName(name) || xlog.IsHistoryName(name) || xlog.IsBackupName(name)
}

// archivePath is the location of a segment relative to the wals root:
// history files sit at the top level, everything else under its hash dir.
func archivePath(name string) (string, error) {
	hashDir, err := xlog.HashDir(name)
	if err != nil {
		return "", err
	}
	if hashDir == "" {
		return name, nil
	}
	return path.Join(hashDir, name), nil
}

func orNone(compression string) string {
	if strings.TrimSpace(compression) == "" {
		return infofile.NoneValue
	}
	return compression
}
