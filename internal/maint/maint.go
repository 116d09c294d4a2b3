// Package maint runs the recurring per-server maintenance pass: promote
// streamed segments, drain the incoming spool into the archive.
package maint

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pgship/pgship/internal/lockfile"
	"github.com/pgship/pgship/internal/metrics"
	"github.com/pgship/pgship/internal/walarchive"
)

// ErrAlreadyRunning distinguishes a busy cron lock from a real failure:
// an overlapping pass is refused, not retried.
var ErrAlreadyRunning = errors.New("another maintenance pass is already running")

type Opts struct {
	Home       string
	ServerName string

	// EnsureDirs are created before the pass when missing.
	EnsureDirs []string

	// Archivers run in order; the streaming archiver promotes completed
	// segments before the file archiver drains the incoming directory.
	Archivers []walarchive.Archiver
}

type Maintenance struct {
	home       string
	serverName string
	ensureDirs []string
	archivers  []walarchive.Archiver

	l *slog.Logger
}

func New(opts *Opts) *Maintenance {
	return &Maintenance{
		home:       opts.Home,
		serverName: opts.ServerName,
		ensureDirs: opts.EnsureDirs,
		archivers:  opts.Archivers,
		l:          slog.With(slog.String("component", "maint")),
	}
}

// RunOnce executes one maintenance pass under the cron lock. One failed
// archiver does not stop the others; their errors come back joined.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	held, release, err := lockfile.CronLock(m.home).TryAcquire()
	if err != nil {
		return err
	}
	if !held {
		return ErrAlreadyRunning
	}
	defer release()

	start := time.Now()
	defer func() {
		metrics.CronPassDuration.WithLabelValues(m.serverName).
			Observe(time.Since(start).Seconds())
	}()

	for _, dir := range m.ensureDirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	var errs []error
	for _, archiver := range m.archivers {
		m.l.Debug("running archiver", slog.String("archiver", archiver.Name()))
		if err := archiver.Archive(ctx); err != nil {
			m.l.Error("archiver pass failed",
				slog.String("archiver", archiver.Name()),
				slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loop schedules maintenance passes until the context is canceled. An
// overlapping pass (previous one still holding the lock) is logged and
// skipped.
func (m *Maintenance) Loop(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := m.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				m.l.Warn("skipping pass, previous one still running")
				return
			}
			m.l.Error("maintenance pass failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return err
	}
	m.l.Info("starting maintenance loop", slog.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
