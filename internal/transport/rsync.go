// Package transport moves directory trees and files with rsync, optionally
// over SSH, the way classic physical backups are taken.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pgship/pgship/internal/cmdexec"
)

// Rsync drives the rsync binary. The zero ssh command means local copies.
type Rsync struct {
	RsyncPath          string
	SSHCommand         string // passed to rsync -e, e.g. "ssh -q -o BatchMode=yes postgres@db1"
	BwLimitKBps        int
	NetworkCompression bool

	// fixed arguments prepended to every invocation
	baseArgs []string

	l *slog.Logger
}

// pgDataArgs is the argument set for copying live PostgreSQL directories:
// follow links to the tablespace targets, keep attributes, delete excluded
// leftovers, write in place.
var pgDataArgs = []string{"-rLKpts", "--delete-excluded", "--inplace"}

// NewPgData builds the transport used for data-directory and tablespace
// trees.
func NewPgData(sshCommand string) *Rsync {
	return &Rsync{
		RsyncPath:  "rsync",
		SSHCommand: sshCommand,
		baseArgs:   pgDataArgs,
		l:          slog.With(slog.String("component", "rsync")),
	}
}

// SyncOpts tunes a single directory transfer.
type SyncOpts struct {
	Exclude []string
	// ExcludeAndProtect entries are excluded from the transfer and
	// protected from --delete-excluded on the receiving side.
	ExcludeAndProtect []string
	Include           []string
	LinkDest          string
	CopyDest          string
	Checksum          bool
	BwLimitKBps       int // overrides the transport default when set
}

func (r *Rsync) args(opts *SyncOpts, extra ...string) []string {
	args := append([]string{}, r.baseArgs...)
	args = append(args, extra...)
	if opts == nil {
		opts = &SyncOpts{}
	}
	if opts.Checksum {
		args = append(args, "--checksum")
	}
	bwlimit := r.BwLimitKBps
	if opts.BwLimitKBps > 0 {
		bwlimit = opts.BwLimitKBps
	}
	if bwlimit > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", bwlimit))
	}
	if r.NetworkCompression {
		args = append(args, "-z")
	}
	if r.SSHCommand != "" {
		args = append(args, "-e", r.SSHCommand)
	}
	if opts.LinkDest != "" {
		args = append(args, "--link-dest="+opts.LinkDest)
	}
	if opts.CopyDest != "" {
		args = append(args, "--copy-dest="+opts.CopyDest)
	}
	// includes first: rsync applies the first matching pattern
	for _, p := range opts.Include {
		args = append(args, "--include="+p)
	}
	for _, p := range opts.Exclude {
		args = append(args, "--exclude="+p)
	}
	for _, p := range opts.ExcludeAndProtect {
		args = append(args, "--exclude="+p, "--filter=P "+p)
	}
	return args
}

func (r *Rsync) run(ctx context.Context, args []string, stdin string) error {
	cmd := cmdexec.New(r.RsyncPath, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.Run(ctx)
}

// SyncDir copies the contents of src into dst.
func (r *Rsync) SyncDir(ctx context.Context, src, dst string, opts *SyncOpts) error {
	if !strings.HasSuffix(src, "/") {
		src += "/"
	}
	return r.run(ctx, append(r.args(opts), src, dst), "")
}

// CopyFile copies a single file.
func (r *Rsync) CopyFile(ctx context.Context, src, dst string) error {
	args := []string{"-pts"}
	if r.SSHCommand != "" {
		args = append(args, "-e", r.SSHCommand)
	}
	return r.run(ctx, append(args, src, dst), "")
}

// ListItem is one entry of a remote or local rsync listing.
type ListItem struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

const listTimeLayout = "2006/01/02 15:04:05"

// ListDir enumerates path recursively with rsync --list-only, so the same
// transport (and SSH tunnel) used for copies also answers "what is already
// there".
func (r *Rsync) ListDir(ctx context.Context, path string) ([]ListItem, error) {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	args := []string{"--no-human-readable", "--list-only", "-r"}
	if r.SSHCommand != "" {
		args = append(args, "-e", r.SSHCommand)
	}
	args = append(args, path)

	var items []ListItem
	err := cmdexec.New(r.RsyncPath, args...).Lines(ctx, func(line string) {
		if item, ok := parseListLine(line); ok {
			items = append(items, item)
		}
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// parseListLine parses one `rsync --list-only` line:
//
//	-rw------- 16777216 2026/08/28 10:15:00 pg_control
func parseListLine(line string) (ListItem, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return ListItem{}, false
	}
	perms := fields[0]
	var size int64
	if _, err := fmt.Sscanf(strings.ReplaceAll(fields[1], ",", ""), "%d", &size); err != nil {
		return ListItem{}, false
	}
	mtime, err := time.ParseInLocation(listTimeLayout, fields[2]+" "+fields[3], time.Local)
	if err != nil {
		// not a listing line (summary or chatter)
		return ListItem{}, false
	}
	name := strings.Join(fields[4:], " ")
	if name == "." {
		return ListItem{}, false
	}
	return ListItem{
		Path:    name,
		Size:    size,
		ModTime: mtime,
		IsDir:   strings.HasPrefix(perms, "d"),
	}, true
}

// SmartCopy synchronizes src into dst. With no safeHorizon it is a single
// transfer trusting size/mtime. With a safeHorizon, destination files
// modified at or after it cannot be trusted via quick check (the previous
// backup may have raced a concurrent write), so they are re-verified by
// checksum first; the closing plain pass then handles new files and
// deletions.
func (r *Rsync) SmartCopy(ctx context.Context, src, dst string, opts *SyncOpts, safeHorizon *time.Time) error {
	if opts == nil {
		opts = &SyncOpts{}
	}
	if safeHorizon != nil {
		items, err := r.ListDir(ctx, dst)
		if err != nil {
			// nothing listable at dst: fall through to the plain copy
			r.l.Debug("destination listing failed, skipping checksum pass",
				slog.String("dst", dst), slog.Any("err", err))
		} else {
			var checkList []string
			for _, item := range items {
				if !item.IsDir && !item.ModTime.Before(*safeHorizon) {
					checkList = append(checkList, item.Path)
				}
			}
			if len(checkList) > 0 {
				r.l.Info("re-verifying recently modified files by checksum",
					slog.Int("files", len(checkList)))
				checkOpts := *opts
				checkOpts.Checksum = true
				if !strings.HasSuffix(src, "/") {
					src += "/"
				}
				args := append(r.args(&checkOpts, "--files-from=-"), src, dst)
				if err := r.run(ctx, args, strings.Join(checkList, "\n")+"\n"); err != nil {
					return err
				}
			}
		}
	}
	return r.SyncDir(ctx, src, dst, opts)
}
