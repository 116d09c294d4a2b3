// Package lockfile provides scoped OS advisory locks.
//
// Acquisition reports a held/busy status instead of failing, so callers can
// choose between "abort" and "log and skip" when another process holds the
// lock.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

type LockFile struct {
	fl *flock.Flock
}

func New(path string) *LockFile {
	return &LockFile{fl: flock.New(path)}
}

func (l *LockFile) Path() string {
	return l.fl.Path()
}

// TryAcquire attempts to take the exclusive lock without blocking.
// held reports whether the lock was taken; when held, release must be called
// on every exit path. A lock held elsewhere is a status, not an error.
func (l *LockFile) TryAcquire() (held bool, release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0o750); err != nil {
		return false, nil, fmt.Errorf("create lock directory: %w", err)
	}
	held, err = l.fl.TryLock()
	if err != nil {
		return false, nil, fmt.Errorf("lock %s: %w", l.fl.Path(), err)
	}
	if !held {
		return false, nil, nil
	}
	return true, func() { _ = l.fl.Unlock() }, nil
}

// XlogdbLock guards writes to the WAL catalog of one server.
func XlogdbLock(walsDir string) *LockFile {
	return New(filepath.Join(walsDir, ".xlogdb.lock"))
}

// CronLock guards the maintenance entry point; a second concurrent cron run
// must fail fast rather than queue behind the first.
func CronLock(home string) *LockFile {
	return New(filepath.Join(home, ".cron.lock"))
}

// BackupLock guards backup creation for one server.
func BackupLock(serverDir string) *LockFile {
	return New(filepath.Join(serverDir, ".backup.lock"))
}
