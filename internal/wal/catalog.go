// Package wal maintains the per-server catalog of archived WAL segments
// (the xlogdb file): an append-only text ledger, one record per file.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/lockfile"
)

const xlogdbName = "xlogdb"

// ErrCatalogBusy is returned when the catalog write lock could not be taken
// within the acquisition window.
var ErrCatalogBusy = errors.New("wal catalog is locked by another process")

// Catalog is the append-only ledger of archived WAL metadata for one server.
// Writes are serialized by an exclusive advisory lock and fsynced before the
// lock is released; reads are lock-free.
type Catalog struct {
	walsDir string
	lock    *lockfile.LockFile

	// acquisition is bounded: busy is reported instead of hanging
	lockTimeout  time.Duration
	lockInterval time.Duration

	l *slog.Logger
}

func NewCatalog(walsDir string) *Catalog {
	return &Catalog{
		walsDir:      walsDir,
		lock:         lockfile.XlogdbLock(walsDir),
		lockTimeout:  10 * time.Second,
		lockInterval: 50 * time.Millisecond,
		l:            slog.With(slog.String("component", "wal-catalog")),
	}
}

func (c *Catalog) Path() string {
	return filepath.Join(c.walsDir, xlogdbName)
}

func (c *Catalog) acquire() (func(), error) {
	deadline := time.Now().Add(c.lockTimeout)
	for {
		held, release, err := c.lock.TryAcquire()
		if err != nil {
			return nil, err
		}
		if held {
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrCatalogBusy
		}
		time.Sleep(c.lockInterval)
	}
}

// Append writes the given records at the end of the catalog, in order.
// Success is only reported after the file is fsynced, while the lock is
// still held, so a record is either durably in the ledger or Append
// returned an error.
func (c *Catalog) Append(entries ...*infofile.WalFileInfo) error {
	if len(entries) == 0 {
		return nil
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.walsDir, 0o750); err != nil {
		release()
		return err
	}
	f, err := os.OpenFile(c.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		release()
		return fmt.Errorf("open xlogdb: %w", err)
	}
	defer func() {
		_ = f.Close()
		release()
	}()

	for _, e := range entries {
		if _, err := f.WriteString(e.ToXlogdbLine()); err != nil {
			return fmt.Errorf("append to xlogdb: %w", err)
		}
	}
	// success means durable: the records hit the disk before the lock
	// is released
	if err := fsync(f); err != nil {
		return fmt.Errorf("sync xlogdb: %w", err)
	}
	c.l.Debug("appended wal catalog records", slog.Int("count", len(entries)))
	return nil
}

// fsync is a seam for tests.
var fsync = func(f *os.File) error { return f.Sync() }

// All reads back every record in append order. A missing catalog is an
// empty one.
func (c *Catalog) All() ([]*infofile.WalFileInfo, error) {
	f, err := os.Open(c.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*infofile.WalFileInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		wfi, err := infofile.ParseXlogdbLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, wfi)
	}
	return entries, scanner.Err()
}

// WalsUntilNextBackup returns, in catalog order, every record whose name
// lies in the half-open range [backup.begin_wal, next.begin_wal); with no
// next backup the range extends to the end of the catalog. Timeline history
// files are included regardless of range when includeHistory is set.
func (c *Catalog) WalsUntilNextBackup(backup, next *infofile.BackupInfo, includeHistory bool) ([]*infofile.WalFileInfo, error) {
	all, err := c.All()
	if err != nil {
		return nil, err
	}

	var out []*infofile.WalFileInfo
	for _, e := range all {
		if strings.HasSuffix(e.Name, ".history") {
			if includeHistory {
				out = append(out, e)
			}
			continue
		}
		if e.Name < backup.BeginWal {
			continue
		}
		if next != nil && e.Name >= next.BeginWal {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
