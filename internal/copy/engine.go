// Package copy plans and executes the transfer jobs of a base backup:
// tablespaces, the data directory, the control file and external
// configuration files, driven through an rsync transport.
package copy

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/transport"
)

// Item classes order the copy: tablespaces strictly before the data
// directory, files last.
type ItemClass int

const (
	ClassPgdata ItemClass = iota
	ClassTablespace
	ClassControl
	ClassConfig
)

// ReuseMode selects how unchanged files are reused against a previous
// backup.
type ReuseMode int

const (
	ReuseOff ReuseMode = iota
	// ReuseLink hardlinks unchanged files into the new backup (zero extra
	// space, same filesystem required).
	ReuseLink
	// ReuseCopy duplicates unchanged files locally, so the new backup
	// survives deletion of the previous one.
	ReuseCopy
)

func ParseReuseMode(s string) (ReuseMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return ReuseOff, nil
	case "link":
		return ReuseLink, nil
	case "copy":
		return ReuseCopy, nil
	}
	return ReuseOff, fmt.Errorf("unknown reuse mode %q (want off, link or copy)", s)
}

// CopyError wraps a failed transfer job with its label.
type CopyError struct {
	Label string
	Cause error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy job %q failed: %v", e.Label, e.Cause)
}

func (e *CopyError) Unwrap() error { return e.Cause }

// DirectoryOpts tunes one directory job.
type DirectoryOpts struct {
	Class             ItemClass
	Exclude           []string
	ExcludeAndProtect []string
	Include           []string
	Reuse             ReuseMode
	ReuseDir          string // previous backup's copy of this tree
	BwLimitKBps       int
}

type dirJob struct {
	label string
	src   string
	dst   string
	opts  DirectoryOpts
}

type fileJob struct {
	label    string
	src      string
	dst      string
	optional bool
}

// Stats aggregates what a finished copy moved.
type Stats struct {
	NumberOfJobs int
	Bytes        int64
	StartTime    time.Time
	EndTime      time.Time
}

func (s *Stats) toCopyStats() *infofile.CopyStats {
	total := s.EndTime.Sub(s.StartTime).Seconds()
	return &infofile.CopyStats{
		TotalTime:    total,
		CopyTime:     total,
		NumberOfJobs: s.NumberOfJobs,
		Bytes:        s.Bytes,
	}
}

// Transport is the part of the rsync transport the engine drives.
type Transport interface {
	SmartCopy(ctx context.Context, src, dst string, opts *transport.SyncOpts, safeHorizon *time.Time) error
	CopyFile(ctx context.Context, src, dst string) error
}

// Engine registers copy jobs and executes them with fail-fast semantics:
// the first unrecoverable job error aborts the rest, and the partial
// destination is removed so a broken base backup is never left looking
// usable.
type Engine struct {
	rsync       Transport
	safeHorizon *time.Time
	parallel    int

	tablespaceJobs []dirJob
	pgdataJobs     []dirJob
	fileJobs       []fileJob

	l *slog.Logger
}

type EngineOpts struct {
	SafeHorizon *time.Time
	// Parallel bounds the worker pool for the tablespace jobs, which are
	// mutually independent. The data directory starts only after all of
	// them; files go last.
	Parallel int
}

func NewEngine(rsync Transport, opts *EngineOpts) *Engine {
	if opts == nil {
		opts = &EngineOpts{}
	}
	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}
	return &Engine{
		rsync:       rsync,
		safeHorizon: opts.SafeHorizon,
		parallel:    parallel,
		l:           slog.With(slog.String("component", "copy-engine")),
	}
}

func (e *Engine) AddDirectory(label, src, dst string, opts DirectoryOpts) {
	job := dirJob{label: label, src: src, dst: dst, opts: opts}
	if opts.Class == ClassTablespace {
		e.tablespaceJobs = append(e.tablespaceJobs, job)
	} else {
		e.pgdataJobs = append(e.pgdataJobs, job)
	}
}

func (e *Engine) AddFile(label, src, dst string, optional bool) {
	e.fileJobs = append(e.fileJobs, fileJob{label: label, src: src, dst: dst, optional: optional})
}

func (e *Engine) runDirJob(ctx context.Context, job dirJob) error {
	e.l.Info("copying directory",
		slog.String("label", job.label),
		slog.String("src", job.src),
		slog.String("dst", job.dst))

	syncOpts := &transport.SyncOpts{
		Exclude:           job.opts.Exclude,
		ExcludeAndProtect: job.opts.ExcludeAndProtect,
		Include:           job.opts.Include,
		BwLimitKBps:       job.opts.BwLimitKBps,
	}
	switch job.opts.Reuse {
	case ReuseLink:
		syncOpts.LinkDest = job.opts.ReuseDir
	case ReuseCopy:
		syncOpts.CopyDest = job.opts.ReuseDir
	}

	if isLocalPath(job.dst) {
		if err := os.MkdirAll(job.dst, 0o700); err != nil {
			return &CopyError{Label: job.label, Cause: err}
		}
	}
	if err := e.rsync.SmartCopy(ctx, job.src, job.dst, syncOpts, e.safeHorizon); err != nil {
		return &CopyError{Label: job.label, Cause: err}
	}
	return nil
}

func (e *Engine) runFileJob(ctx context.Context, job fileJob) error {
	if job.optional {
		if _, err := os.Stat(job.src); os.IsNotExist(err) {
			e.l.Info("optional file is absent, skipping",
				slog.String("label", job.label),
				slog.String("src", job.src))
			return nil
		}
	}
	e.l.Info("copying file",
		slog.String("label", job.label),
		slog.String("src", job.src),
		slog.String("dst", job.dst))
	if err := e.rsync.CopyFile(ctx, job.src, job.dst); err != nil {
		return &CopyError{Label: job.label, Cause: err}
	}
	return nil
}

// Copy executes every registered job and returns aggregate statistics, or
// the first CopyError. Tablespace jobs run on a bounded pool; the data
// directory waits for all of them, then files are copied in order.
func (e *Engine) Copy(ctx context.Context) (*infofile.CopyStats, error) {
	stats := &Stats{StartTime: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, job := range e.tablespaceJobs {
		g.Go(func() error { return e.runDirJob(gctx, job) })
	}
	err := g.Wait()

	if err == nil {
		for _, job := range e.pgdataJobs {
			if err = e.runDirJob(ctx, job); err != nil {
				break
			}
		}
	}
	if err == nil {
		for _, job := range e.fileJobs {
			if err = e.runFileJob(ctx, job); err != nil {
				break
			}
		}
	}
	if err != nil {
		e.cleanup()
		return nil, err
	}

	stats.NumberOfJobs = len(e.tablespaceJobs) + len(e.pgdataJobs) + len(e.fileJobs)
	stats.Bytes = e.destinationSize()
	stats.EndTime = time.Now()
	return stats.toCopyStats(), nil
}

// cleanup removes the partial local destinations of an aborted copy.
// Remote destinations are left to the caller, which marks the backup
// failed.
func (e *Engine) cleanup() {
	seen := make(map[string]bool)
	for _, job := range append(append([]dirJob{}, e.tablespaceJobs...), e.pgdataJobs...) {
		if !isLocalPath(job.dst) || seen[job.dst] {
			continue
		}
		seen[job.dst] = true
		e.l.Warn("removing partial destination of an aborted copy",
			slog.String("dst", job.dst))
		if err := os.RemoveAll(job.dst); err != nil {
			e.l.Error("cannot remove partial destination",
				slog.String("dst", job.dst), slog.Any("err", err))
		}
	}
}

func (e *Engine) destinationSize() int64 {
	seen := make(map[string]bool)
	var dsts []string
	for _, job := range append(append([]dirJob{}, e.tablespaceJobs...), e.pgdataJobs...) {
		if !isLocalPath(job.dst) || seen[job.dst] {
			continue
		}
		seen[job.dst] = true
		dsts = append(dsts, job.dst)
	}
	var total int64
	for _, dst := range dsts {
		// a tablespace destination under the data directory is already
		// counted by its parent's walk
		if underAnother(dst, dsts) {
			continue
		}
		total += dirSize(dst)
	}
	return total
}

func underAnother(dst string, all []string) bool {
	for _, other := range all {
		if other == dst {
			continue
		}
		if _, ok := insidePgdata(other, dst); ok {
			return true
		}
	}
	return false
}

// PgdataExclusions returns the exclude-and-protect entries that keep every
// tablespace transferred exactly once: the pg_tblspc/<oid> symlink for each
// tablespace (rsync would follow it and duplicate the data), plus the
// relative path of any tablespace living inside pgdata.
func PgdataExclusions(pgdata string, tablespaces []infofile.Tablespace) []string {
	var out []string
	for _, tbs := range tablespaces {
		out = append(out, fmt.Sprintf("/pg_tblspc/%d", tbs.OID))
		if rel, ok := insidePgdata(pgdata, tbs.Location); ok {
			out = append(out, "/"+rel)
		}
	}
	return out
}

func insidePgdata(pgdata, location string) (string, bool) {
	rel, err := filepath.Rel(pgdata, location)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// isLocalPath reports whether an rsync destination refers to the local
// filesystem ("host:path" and "rsync://" forms are remote).
func isLocalPath(dst string) bool {
	if strings.HasPrefix(dst, "rsync://") {
		return false
	}
	host, _, found := strings.Cut(dst, ":")
	return !found || strings.ContainsAny(host, "/")
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
