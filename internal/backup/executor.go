package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pgship/pgship/internal/copy"
	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/metrics"
	"github.com/pgship/pgship/internal/pg"
)

// pgdataExcludeList keeps server-managed and transient content out of the
// data directory copy. WAL is archived separately; pg_control is copied
// last, on its own, once the copy is otherwise consistent.
var pgdataExcludeList = []string{
	"/pg_xlog/*",
	"/pg_wal/*",
	"/pg_log/*",
	"/log/*",
	"/pg_replslot/*",
	"/postmaster.pid",
	"/postmaster.opts",
	"/recovery.conf",
	"/standby.signal",
	"/global/pg_control",
}

// ServerConn is the slice of pg.Conn the executor needs to describe the
// server being backed up.
type ServerConn interface {
	Setting(ctx context.Context, name string) (string, error)
	ServerVersionNum(ctx context.Context) (int, error)
	SystemID(ctx context.Context) (string, error)
	ConfigurationFiles(ctx context.Context) ([]pg.ConfigFile, error)
	Tablespaces(ctx context.Context) ([]pg.Tablespace, error)
}

type RsyncExecutorOpts struct {
	ServerName string
	// Host prefixes rsync sources for backups taken over SSH. Empty
	// means the server is local to this process.
	Host string

	Catalog   *Catalog
	Conn      ServerConn
	Strategy  pg.BackupStrategy
	Transport copy.Transport

	Reuse              copy.ReuseMode
	Parallel           int
	BwLimitKBps        int
	TablespaceBwLimits map[string]int
}

// RsyncBackupExecutor takes a base backup into the local catalog with
// rsync, optionally deduplicating against the previous completed backup.
type RsyncBackupExecutor struct {
	serverName string
	host       string
	catalog    *Catalog
	conn       ServerConn
	strategy   pg.BackupStrategy
	transport  copy.Transport

	reuse              copy.ReuseMode
	parallel           int
	bwLimitKBps        int
	tablespaceBwLimits map[string]int

	l *slog.Logger
}

func NewRsyncBackupExecutor(opts *RsyncExecutorOpts) *RsyncBackupExecutor {
	return &RsyncBackupExecutor{
		serverName:         opts.ServerName,
		host:               opts.Host,
		catalog:            opts.Catalog,
		conn:               opts.Conn,
		strategy:           opts.Strategy,
		transport:          opts.Transport,
		reuse:              opts.Reuse,
		parallel:           opts.Parallel,
		bwLimitKBps:        opts.BwLimitKBps,
		tablespaceBwLimits: opts.TablespaceBwLimits,
		l:                  slog.With(slog.String("component", "rsync-backup")),
	}
}

// Backup runs one base backup end to end. On any failure the backup is
// recorded as FAILED with its error message and the partial data
// directory is removed, so the catalog never presents a broken backup as
// usable.
func (e *RsyncBackupExecutor) Backup(ctx context.Context) (*infofile.BackupInfo, error) {
	info := infofile.NewBackupInfo(e.serverName, NewBackupID(time.Now()))

	fail := func(err error) (*infofile.BackupInfo, error) {
		info.SetError(err)
		if saveErr := e.catalog.Save(info); saveErr != nil {
			e.l.Error("cannot record failed backup", slog.Any("err", saveErr))
		}
		if rmErr := os.RemoveAll(e.catalog.DataDir(info.BackupID)); rmErr != nil {
			e.l.Error("cannot remove partial data directory", slog.Any("err", rmErr))
		}
		metrics.BackupsCompleted.WithLabelValues(e.serverName, infofile.StatusFailed).Inc()
		return info, err
	}

	if err := collectServerInfo(ctx, e.conn, info); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(e.catalog.DataDir(info.BackupID), 0o700); err != nil {
		return fail(err)
	}
	info.Status = infofile.StatusStarted
	if err := e.catalog.Save(info); err != nil {
		return fail(err)
	}

	e.l.Info("starting backup",
		slog.String("backup_id", info.BackupID),
		slog.String("pgdata", info.Pgdata))
	if err := e.strategy.StartBackup(ctx, info); err != nil {
		return fail(err)
	}

	previous, err := e.catalog.PreviousDone(info.BackupID)
	if err != nil {
		return fail(err)
	}
	engine := e.plan(info, previous)
	stats, err := engine.Copy(ctx)
	if err != nil {
		return fail(err)
	}
	info.CopyStats = stats
	info.Size = stats.Bytes

	if err := e.strategy.StopBackup(ctx, info); err != nil {
		return fail(err)
	}
	if err := e.writeBackupLabel(info); err != nil {
		return fail(err)
	}

	info.Status = infofile.StatusDone
	if err := e.catalog.Save(info); err != nil {
		return fail(err)
	}
	metrics.BackupsCompleted.WithLabelValues(e.serverName, infofile.StatusDone).Inc()
	metrics.BackupBytes.WithLabelValues(e.serverName).Set(float64(info.Size))
	e.l.Info("backup completed",
		slog.String("backup_id", info.BackupID),
		slog.Int64("size", info.Size))
	return info, nil
}

// collectServerInfo fills the server-side facts of a backup about to be
// taken: version, system identifier, data directory, configuration file
// locations and tablespaces.
func collectServerInfo(ctx context.Context, conn ServerConn, info *infofile.BackupInfo) error {
	version, err := conn.ServerVersionNum(ctx)
	if err != nil {
		return err
	}
	info.Version = version

	systemID, err := conn.SystemID(ctx)
	if err != nil {
		return err
	}
	info.SystemID = systemID

	pgdata, err := conn.Setting(ctx, "data_directory")
	if err != nil {
		return err
	}
	info.Pgdata = pgdata

	files, err := conn.ConfigurationFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		switch f.FileType {
		case pg.FileTypeConfig:
			info.ConfigFile = f.Path
		case pg.FileTypeHba:
			info.HbaFile = f.Path
		case pg.FileTypeIdent:
			info.IdentFile = f.Path
		}
	}

	tablespaces, err := conn.Tablespaces(ctx)
	if err != nil {
		return err
	}
	for _, tbs := range tablespaces {
		info.Tablespaces = append(info.Tablespaces, infofile.Tablespace{
			Name:     tbs.Name,
			OID:      tbs.OID,
			Location: tbs.Location,
		})
	}
	return nil
}

// plan registers every copy job of this backup on a fresh engine:
// tablespaces, then the data directory with the tablespace trees
// protected out of it, then pg_control and the external config files.
func (e *RsyncBackupExecutor) plan(info *infofile.BackupInfo, previous *infofile.BackupInfo) *copy.Engine {
	reuse := e.reuse
	var reuseRoot string
	var safeHorizon *time.Time
	if ReuseValid(previous, info) {
		reuseRoot = e.catalog.DataDir(previous.BackupID)
		horizon := previous.BeginTime
		safeHorizon = &horizon
	} else {
		reuse = copy.ReuseOff
	}

	engine := copy.NewEngine(e.transport, &copy.EngineOpts{
		SafeHorizon: safeHorizon,
		Parallel:    e.parallel,
	})

	dataDir := e.catalog.DataDir(info.BackupID)
	for _, tbs := range info.Tablespaces {
		dst := filepath.Join(dataDir, "pg_tblspc", strconv.FormatUint(uint64(tbs.OID), 10))
		var reuseDir string
		if reuseRoot != "" {
			reuseDir = filepath.Join(reuseRoot, "pg_tblspc", strconv.FormatUint(uint64(tbs.OID), 10))
		}
		engine.AddDirectory(tbs.Name, e.remote(tbs.Location), dst, copy.DirectoryOpts{
			Class:       copy.ClassTablespace,
			Reuse:       reuse,
			ReuseDir:    reuseDir,
			BwLimitKBps: e.tablespaceBwLimit(tbs.Name),
		})
	}

	engine.AddDirectory("pgdata", e.remote(info.Pgdata), dataDir, copy.DirectoryOpts{
		Class:             copy.ClassPgdata,
		Exclude:           pgdataExcludeList,
		ExcludeAndProtect: copy.PgdataExclusions(info.Pgdata, info.Tablespaces),
		Reuse:             reuse,
		ReuseDir:          reuseRoot,
		BwLimitKBps:       e.bwLimitKBps,
	})

	// pg_control last: its checkpoint location must not precede any copied
	// data file.
	engine.AddFile("pg_control",
		e.remote(filepath.Join(info.Pgdata, "global", "pg_control")),
		filepath.Join(dataDir, "global", "pg_control"),
		false)

	backupDir := e.catalog.BackupDir(info.BackupID)
	for _, f := range []struct {
		label    string
		path     string
		optional bool
	}{
		{"config_file", info.ConfigFile, false},
		{"hba_file", info.HbaFile, false},
		{"ident_file", info.IdentFile, true},
	} {
		if f.path == "" || insideDir(info.Pgdata, f.path) {
			continue
		}
		engine.AddFile(f.label, e.remote(f.path),
			filepath.Join(backupDir, filepath.Base(f.path)), f.optional)
	}
	return engine
}

// writeBackupLabel materializes the label returned by a concurrent stop
// into the copied data directory, where an exclusive backup would have
// left it.
func (e *RsyncBackupExecutor) writeBackupLabel(info *infofile.BackupInfo) error {
	if info.BackupLabel == "" {
		return nil
	}
	label := strings.ReplaceAll(info.BackupLabel, "\\n", "\n")
	path := filepath.Join(e.catalog.DataDir(info.BackupID), "backup_label")
	return os.WriteFile(path, []byte(label), 0o600)
}

func (e *RsyncBackupExecutor) remote(path string) string {
	if e.host == "" {
		return path
	}
	return fmt.Sprintf("%s:%s", e.host, path)
}

func (e *RsyncBackupExecutor) tablespaceBwLimit(name string) int {
	if limit, ok := e.tablespaceBwLimits[name]; ok {
		return limit
	}
	return e.bwLimitKBps
}

// ReuseValid reports whether the previous backup can seed this one:
// same PostgreSQL major version and the same tablespace OID set.
func ReuseValid(previous, current *infofile.BackupInfo) bool {
	if previous == nil {
		return false
	}
	if majorOf(previous.Version) != majorOf(current.Version) {
		return false
	}
	prevOIDs := previous.TablespaceOIDs()
	curOIDs := current.TablespaceOIDs()
	if len(prevOIDs) != len(curOIDs) {
		return false
	}
	for i := range prevOIDs {
		if prevOIDs[i] != curOIDs[i] {
			return false
		}
	}
	return true
}

func majorOf(versionNum int) int {
	return versionNum / 10000
}

func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
