package pg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pgship/pgship/internal/infofile"
)

// BackupStrategy brackets a copy with the start/stop-backup protocol and
// fills the consistency metadata of the backup. No copy job may begin
// before StartBackup returns, and StopBackup runs only after every job
// succeeded.
type BackupStrategy interface {
	StartBackup(ctx context.Context, info *infofile.BackupInfo) error
	StopBackup(ctx context.Context, info *infofile.BackupInfo) error
}

// UnsupportedVersionError reports a server release the strategy cannot
// drive.
type UnsupportedVersionError struct {
	VersionNum int
	Reason     string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported PostgreSQL version %d: %s", e.VersionNum, e.Reason)
}

// backupBoundary is what either strategy learns at a start or stop point.
type backupBoundary struct {
	LSN     string
	WalName string
	Offset  int
}

func buildStartBackupQuery(versionNum int, concurrent bool) (string, error) {
	switch {
	case concurrent && versionNum >= 150000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset " +
			"FROM pg_backup_start($1, $2) lsn", nil
	case concurrent && versionNum >= 100000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset " +
			"FROM pg_start_backup($1, $2, false) lsn", nil
	case concurrent && versionNum >= 90600:
		return "SELECT lsn::text, pg_xlogfile_name(lsn), (pg_xlogfile_name_offset(lsn)).file_offset " +
			"FROM pg_start_backup($1, $2, false) lsn", nil
	case concurrent:
		return "", &UnsupportedVersionError{VersionNum: versionNum,
			Reason: "concurrent backups require 9.6 or later"}
	case versionNum >= 150000:
		return "", &UnsupportedVersionError{VersionNum: versionNum,
			Reason: "exclusive backups were removed in 15, use concurrent backups"}
	case versionNum >= 100000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset " +
			"FROM pg_start_backup($1, $2, true) lsn", nil
	case versionNum >= 90600:
		return "SELECT lsn::text, pg_xlogfile_name(lsn), (pg_xlogfile_name_offset(lsn)).file_offset " +
			"FROM pg_start_backup($1, $2, true) lsn", nil
	case versionNum >= 90000:
		return "SELECT lsn::text, pg_xlogfile_name(lsn), (pg_xlogfile_name_offset(lsn)).file_offset " +
			"FROM pg_start_backup($1, $2) lsn", nil
	default:
		return "", &UnsupportedVersionError{VersionNum: versionNum, Reason: "9.0 is the oldest supported release"}
	}
}

func buildStopBackupQuery(versionNum int, concurrent bool) (string, error) {
	switch {
	case concurrent && versionNum >= 150000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset, " +
			"labelfile, spcmapfile FROM pg_backup_stop(true)", nil
	case concurrent && versionNum >= 100000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset, " +
			"labelfile, spcmapfile FROM pg_stop_backup(false, true)", nil
	case concurrent && versionNum >= 90600:
		return "SELECT lsn::text, pg_xlogfile_name(lsn), (pg_xlogfile_name_offset(lsn)).file_offset, " +
			"labelfile, spcmapfile FROM pg_stop_backup(false)", nil
	case concurrent:
		return "", &UnsupportedVersionError{VersionNum: versionNum,
			Reason: "concurrent backups require 9.6 or later"}
	case versionNum >= 150000:
		return "", &UnsupportedVersionError{VersionNum: versionNum,
			Reason: "exclusive backups were removed in 15, use concurrent backups"}
	case versionNum >= 100000:
		return "SELECT lsn::text, pg_walfile_name(lsn), (pg_walfile_name_offset(lsn)).file_offset " +
			"FROM pg_stop_backup() lsn", nil
	case versionNum >= 90000:
		return "SELECT lsn::text, pg_xlogfile_name(lsn), (pg_xlogfile_name_offset(lsn)).file_offset " +
			"FROM pg_stop_backup() lsn", nil
	default:
		return "", &UnsupportedVersionError{VersionNum: versionNum, Reason: "9.0 is the oldest supported release"}
	}
}

func backupLabelFor(info *infofile.BackupInfo) string {
	return fmt.Sprintf("pgship backup %s of server %s", info.BackupID, info.ServerName)
}

// timelineOf derives the timeline from the leading hex of a WAL name.
func timelineOf(walName string) int {
	if len(walName) < 8 {
		return 0
	}
	var tli int
	if _, err := fmt.Sscanf(walName[:8], "%08X", &tli); err != nil {
		return 0
	}
	return tli
}

func fillBegin(info *infofile.BackupInfo, b *backupBoundary, versionNum int) {
	info.Status = infofile.StatusStarted
	info.Version = versionNum
	info.BeginTime = time.Now()
	info.BeginXlog = b.LSN
	info.BeginWal = b.WalName
	info.BeginOffset = b.Offset
	info.Timeline = timelineOf(b.WalName)
}

func fillEnd(info *infofile.BackupInfo, b *backupBoundary) {
	info.EndTime = time.Now()
	info.EndXlog = b.LSN
	info.EndWal = b.WalName
	info.EndOffset = b.Offset
}

// ExclusiveStrategy drives the classic pg_start_backup/pg_stop_backup
// exclusive protocol (primary only, removed in PostgreSQL 15).
type ExclusiveStrategy struct {
	Conn                *Conn
	ImmediateCheckpoint bool
}

func (s *ExclusiveStrategy) StartBackup(ctx context.Context, info *infofile.BackupInfo) error {
	versionNum, err := s.Conn.ServerVersionNum(ctx)
	if err != nil {
		return err
	}
	query, err := buildStartBackupQuery(versionNum, false)
	if err != nil {
		return err
	}
	var b backupBoundary
	err = s.Conn.conn.QueryRow(ctx, query, backupLabelFor(info), s.ImmediateCheckpoint).
		Scan(&b.LSN, &b.WalName, &b.Offset)
	if err != nil {
		return fmt.Errorf("pg_start_backup: %w", err)
	}
	fillBegin(info, &b, versionNum)
	return nil
}

func (s *ExclusiveStrategy) StopBackup(ctx context.Context, info *infofile.BackupInfo) error {
	versionNum, err := s.Conn.ServerVersionNum(ctx)
	if err != nil {
		return err
	}
	query, err := buildStopBackupQuery(versionNum, false)
	if err != nil {
		return err
	}
	var b backupBoundary
	if err := s.Conn.conn.QueryRow(ctx, query).Scan(&b.LSN, &b.WalName, &b.Offset); err != nil {
		return fmt.Errorf("pg_stop_backup: %w", err)
	}
	fillEnd(info, &b)
	return nil
}

// ConcurrentStrategy drives the non-exclusive protocol (9.6+): the backup
// label is not written into pgdata but returned by the stop call, and is
// stored in the backup metadata.
type ConcurrentStrategy struct {
	Conn                *Conn
	ImmediateCheckpoint bool
}

func (s *ConcurrentStrategy) StartBackup(ctx context.Context, info *infofile.BackupInfo) error {
	versionNum, err := s.Conn.ServerVersionNum(ctx)
	if err != nil {
		return err
	}
	query, err := buildStartBackupQuery(versionNum, true)
	if err != nil {
		return err
	}
	var b backupBoundary
	err = s.Conn.conn.QueryRow(ctx, query, backupLabelFor(info), s.ImmediateCheckpoint).
		Scan(&b.LSN, &b.WalName, &b.Offset)
	if err != nil {
		return fmt.Errorf("start backup: %w", err)
	}
	fillBegin(info, &b, versionNum)
	return nil
}

func (s *ConcurrentStrategy) StopBackup(ctx context.Context, info *infofile.BackupInfo) error {
	versionNum, err := s.Conn.ServerVersionNum(ctx)
	if err != nil {
		return err
	}
	query, err := buildStopBackupQuery(versionNum, true)
	if err != nil {
		return err
	}
	var b backupBoundary
	var labelFile, spcmapFile string
	err = s.Conn.conn.QueryRow(ctx, query).
		Scan(&b.LSN, &b.WalName, &b.Offset, &labelFile, &spcmapFile)
	if err != nil {
		return fmt.Errorf("stop backup: %w", err)
	}
	fillEnd(info, &b)
	// the label content must travel with the backup; it replaces the
	// backup_label file an exclusive backup would leave in pgdata
	info.BackupLabel = strings.ReplaceAll(labelFile, "\n", "\\n")
	return nil
}

// NewStrategy picks the concurrent protocol when the server supports it
// and exclusive otherwise, honoring an explicit choice when given.
func NewStrategy(ctx context.Context, conn *Conn, mode string, immediateCheckpoint bool) (BackupStrategy, error) {
	versionNum, err := conn.ServerVersionNum(ctx)
	if err != nil {
		return nil, err
	}
	switch mode {
	case "exclusive":
		return &ExclusiveStrategy{Conn: conn, ImmediateCheckpoint: immediateCheckpoint}, nil
	case "concurrent":
		return &ConcurrentStrategy{Conn: conn, ImmediateCheckpoint: immediateCheckpoint}, nil
	case "", "auto":
		if versionNum >= 90600 {
			return &ConcurrentStrategy{Conn: conn, ImmediateCheckpoint: immediateCheckpoint}, nil
		}
		return &ExclusiveStrategy{Conn: conn, ImmediateCheckpoint: immediateCheckpoint}, nil
	}
	return nil, fmt.Errorf("unknown backup mode %q (want exclusive, concurrent or auto)", mode)
}
