// Package pg is the PostgreSQL side of a backup: settings and version
// lookups, tablespace and configuration-file discovery, the replication
// probe and the start/stop-backup strategies.
package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// ConnectivityError reports a database that could not be reached.
type ConnectivityError struct {
	Cause error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach PostgreSQL: %v", e.Cause)
}

func (e *ConnectivityError) Unwrap() error { return e.Cause }

// ConfigFile types reported by ConfigurationFiles.
const (
	FileTypeConfig = "config_file"
	FileTypeHba    = "hba_file"
	FileTypeIdent  = "ident_file"
)

type ConfigFile struct {
	FileType string
	Path     string
}

// ArchiverStats mirrors the pg_stat_archiver view (PostgreSQL 9.4+).
type ArchiverStats struct {
	ArchivedCount    int64
	LastArchivedWal  string
	LastArchivedTime time.Time
	FailedCount      int64
	LastFailedWal    string
	LastFailedTime   time.Time
}

// Conn wraps a regular (non-replication) connection.
type Conn struct {
	conn       *pgx.Conn
	versionNum int // cached server_version_num

	l *slog.Logger
}

func Connect(ctx context.Context, conninfo string) (*Conn, error) {
	conn, err := pgx.Connect(ctx, conninfo)
	if err != nil {
		return nil, &ConnectivityError{Cause: err}
	}
	return &Conn{
		conn: conn,
		l:    slog.With(slog.String("component", "pg")),
	}, nil
}

// Close releases the connection. Safe to call on every exit path.
func (c *Conn) Close(ctx context.Context) {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Close(ctx); err != nil {
		c.l.Warn("cannot close PostgreSQL connection", slog.Any("err", err))
	}
	c.conn = nil
}

// Setting returns one server setting by name.
func (c *Conn) Setting(ctx context.Context, name string) (string, error) {
	var value string
	err := c.conn.QueryRow(ctx, "SELECT current_setting($1)", name).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", name, err)
	}
	return value, nil
}

// ServerVersionNum returns the numeric server version (e.g. 170004),
// cached after the first call.
func (c *Conn) ServerVersionNum(ctx context.Context) (int, error) {
	if c.versionNum != 0 {
		return c.versionNum, nil
	}
	var v int
	err := c.conn.QueryRow(ctx, "SELECT current_setting('server_version_num')::int").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read server version: %w", err)
	}
	c.versionNum = v
	return v, nil
}

// ServerVersion returns the comparable release identifier.
func (c *Conn) ServerVersion(ctx context.Context) (Version, error) {
	n, err := c.ServerVersionNum(ctx)
	if err != nil {
		return Version{}, err
	}
	return VersionFromNum(n), nil
}

func (c *Conn) IsInRecovery(ctx context.Context) (bool, error) {
	var v bool
	if err := c.conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&v); err != nil {
		return false, err
	}
	return v, nil
}

func (c *Conn) SystemID(ctx context.Context) (string, error) {
	var id string
	err := c.conn.QueryRow(ctx, "SELECT system_identifier::text FROM pg_control_system()").Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ConfigurationFiles locates the external configuration files of the
// cluster. ident_file may legitimately be absent; the caller treats it as
// optional.
func (c *Conn) ConfigurationFiles(ctx context.Context) ([]ConfigFile, error) {
	rows, err := c.conn.Query(ctx,
		"SELECT name, setting FROM pg_settings WHERE name IN ('config_file', 'hba_file', 'ident_file') ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("read configuration files: %w", err)
	}
	defer rows.Close()

	var files []ConfigFile
	for rows.Next() {
		var f ConfigFile
		if err := rows.Scan(&f.FileType, &f.Path); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Tablespaces lists user tablespaces with their locations. The location
// column moved to a function in 9.2.
func (c *Conn) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	version, err := c.ServerVersionNum(ctx)
	if err != nil {
		return nil, err
	}
	query := "SELECT spcname, oid, pg_tablespace_location(oid) " +
		"FROM pg_tablespace WHERE pg_tablespace_location(oid) != ''"
	if version < 90200 {
		query = "SELECT spcname, oid, spclocation " +
			"FROM pg_tablespace WHERE spclocation != ''"
	}

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read tablespaces: %w", err)
	}
	defer rows.Close()

	var out []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.Name, &t.OID, &t.Location); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Tablespace mirrors one pg_tablespace row.
type Tablespace struct {
	Name     string
	OID      uint32
	Location string
}

// ArchiverStatsAvailable reports whether the server exposes the
// pg_stat_archiver view.
func (c *Conn) ArchiverStatsAvailable(ctx context.Context) (bool, error) {
	version, err := c.ServerVersionNum(ctx)
	if err != nil {
		return false, err
	}
	return version >= 90400, nil
}

// ArchiverStats reads the pg_stat_archiver view counters.
func (c *Conn) ArchiverStats(ctx context.Context) (*ArchiverStats, error) {
	var s ArchiverStats
	var lastArchivedWal, lastFailedWal *string
	var lastArchivedTime, lastFailedTime *time.Time
	err := c.conn.QueryRow(ctx,
		"SELECT archived_count, last_archived_wal, last_archived_time, "+
			"failed_count, last_failed_wal, last_failed_time FROM pg_stat_archiver").
		Scan(&s.ArchivedCount, &lastArchivedWal, &lastArchivedTime,
			&s.FailedCount, &lastFailedWal, &lastFailedTime)
	if err != nil {
		return nil, fmt.Errorf("read pg_stat_archiver: %w", err)
	}
	if lastArchivedWal != nil {
		s.LastArchivedWal = *lastArchivedWal
	}
	if lastArchivedTime != nil {
		s.LastArchivedTime = *lastArchivedTime
	}
	if lastFailedWal != nil {
		s.LastFailedWal = *lastFailedWal
	}
	if lastFailedTime != nil {
		s.LastFailedTime = *lastFailedTime
	}
	return &s, nil
}

// CurrentWalLocation returns the current WAL insert location as text.
func (c *Conn) CurrentWalLocation(ctx context.Context) (string, error) {
	version, err := c.ServerVersionNum(ctx)
	if err != nil {
		return "", err
	}
	query := "SELECT pg_current_wal_lsn()::text"
	if version < 100000 {
		query = "SELECT pg_current_xlog_location()::text"
	}
	var lsn string
	if err := c.conn.QueryRow(ctx, query).Scan(&lsn); err != nil {
		return "", err
	}
	return lsn, nil
}
