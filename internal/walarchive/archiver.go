// Package walarchive moves WAL segments from the database server into the
// archive: either by draining an incoming spool directory or by streaming
// them with pg_receivewal.
package walarchive

import (
	"context"
	"fmt"
)

// ArchiverError wraps a failure of a single archiver pass.
type ArchiverError struct {
	Archiver string
	Cause    error
}

func (e *ArchiverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Archiver, e.Cause)
}

func (e *ArchiverError) Unwrap() error { return e.Cause }

// CheckItem is one line of a health check report.
type CheckItem struct {
	Name string
	OK   bool
	Hint string
}

// Archiver is one mechanism that brings WAL segments into the archive.
type Archiver interface {
	Name() string

	// RemoteStatus probes the upstream server once and caches the result.
	// It never fails: probe errors surface as nil values in the map.
	RemoteStatus(ctx context.Context) map[string]any
	ResetRemoteStatus()

	Check(ctx context.Context) []CheckItem

	// Archive runs one pass over the segments currently available.
	Archive(ctx context.Context) error
}
