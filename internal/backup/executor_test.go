package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/pg"
	"github.com/pgship/pgship/internal/transport"
)

type fakeConn struct {
	versionNum  int
	versionErr  error
	systemID    string
	pgdata      string
	configFiles []pg.ConfigFile
	tablespaces []pg.Tablespace
}

func (f *fakeConn) Setting(_ context.Context, name string) (string, error) {
	if name == "data_directory" {
		return f.pgdata, nil
	}
	return "", nil
}

func (f *fakeConn) ServerVersionNum(_ context.Context) (int, error) {
	return f.versionNum, f.versionErr
}
func (f *fakeConn) SystemID(_ context.Context) (string, error) { return f.systemID, nil }

func (f *fakeConn) ConfigurationFiles(_ context.Context) ([]pg.ConfigFile, error) {
	return f.configFiles, nil
}

func (f *fakeConn) Tablespaces(_ context.Context) ([]pg.Tablespace, error) {
	return f.tablespaces, nil
}

type fakeStrategy struct {
	label    string
	startErr error
	stopErr  error
}

func (f *fakeStrategy) StartBackup(_ context.Context, info *infofile.BackupInfo) error {
	if f.startErr != nil {
		return f.startErr
	}
	info.BeginTime = time.Now()
	info.BeginWal = "000000010000000000000010"
	info.BeginXlog = "0/10000028"
	info.Timeline = 1
	return nil
}

func (f *fakeStrategy) StopBackup(_ context.Context, info *infofile.BackupInfo) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	info.EndTime = time.Now()
	info.EndWal = "000000010000000000000012"
	info.EndXlog = "0/12000060"
	info.BackupLabel = f.label
	return nil
}

// copyTransport materializes every directory destination so the copied
// tree looks real to the executor.
type copyTransport struct {
	dirs    []string
	files   []string
	copyErr error
}

func (f *copyTransport) SmartCopy(_ context.Context, _, dst string, _ *transport.SyncOpts, _ *time.Time) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	f.dirs = append(f.dirs, dst)
	return os.MkdirAll(dst, 0o700)
}

func (f *copyTransport) CopyFile(_ context.Context, src, dst string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	f.files = append(f.files, dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("x"), 0o600)
}

func newTestExecutor(t *testing.T, ft *copyTransport, strategy pg.BackupStrategy) (*RsyncBackupExecutor, *Catalog, string) {
	t.Helper()
	home := t.TempDir()
	pgdata := filepath.Join(home, "pgdata")
	require.NoError(t, os.MkdirAll(filepath.Join(pgdata, "global"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(pgdata, "global", "pg_control"), []byte("ctrl"), 0o600))

	catalog := NewCatalog(filepath.Join(home, "base"), "main")
	e := NewRsyncBackupExecutor(&RsyncExecutorOpts{
		ServerName: "main",
		Catalog:    catalog,
		Conn: &fakeConn{
			versionNum: 170002,
			systemID:   "7000000000000000001",
			pgdata:     pgdata,
			configFiles: []pg.ConfigFile{
				{FileType: pg.FileTypeConfig, Path: filepath.Join(pgdata, "postgresql.conf")},
				{FileType: pg.FileTypeHba, Path: "/etc/postgresql/pg_hba.conf"},
			},
		},
		Strategy:  strategy,
		Transport: ft,
		Parallel:  2,
	})
	return e, catalog, pgdata
}

func TestRsyncBackupHappyPath(t *testing.T) {
	ft := &copyTransport{}
	hba := filepath.Join(t.TempDir(), "pg_hba.conf")
	require.NoError(t, os.WriteFile(hba, []byte("host all all all trust\n"), 0o600))

	e, catalog, _ := newTestExecutor(t, ft, &fakeStrategy{label: "START WAL LOCATION: 0/10000028\\n"})
	e.conn.(*fakeConn).configFiles[1].Path = hba

	info, err := e.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, infofile.StatusDone, info.Status)
	assert.Equal(t, "000000010000000000000010", info.BeginWal)
	assert.Equal(t, "000000010000000000000012", info.EndWal)
	assert.NotNil(t, info.CopyStats)

	// the catalog has the same picture on disk
	saved, err := catalog.Get(info.BackupID)
	require.NoError(t, err)
	assert.Equal(t, infofile.StatusDone, saved.Status)

	// pgdata tree, pg_control and the external hba file were copied
	assert.Contains(t, ft.dirs, catalog.DataDir(info.BackupID))
	assert.Contains(t, ft.files, filepath.Join(catalog.DataDir(info.BackupID), "global", "pg_control"))
	assert.Contains(t, ft.files, filepath.Join(catalog.BackupDir(info.BackupID), "pg_hba.conf"))

	// concurrent stop left a backup_label in the copied tree
	label, err := os.ReadFile(filepath.Join(catalog.DataDir(info.BackupID), "backup_label"))
	require.NoError(t, err)
	assert.Equal(t, "START WAL LOCATION: 0/10000028\n", string(label))
}

func TestRsyncBackupConfigInsidePgdataNotCopied(t *testing.T) {
	ft := &copyTransport{}
	e, catalog, pgdata := newTestExecutor(t, ft, &fakeStrategy{})
	e.conn.(*fakeConn).configFiles = []pg.ConfigFile{
		{FileType: pg.FileTypeConfig, Path: filepath.Join(pgdata, "postgresql.conf")},
	}

	info, err := e.Backup(context.Background())
	require.NoError(t, err)
	for _, f := range ft.files {
		assert.NotEqual(t, filepath.Join(catalog.BackupDir(info.BackupID), "postgresql.conf"), f)
	}
}

func TestRsyncBackupFailureMarksFailedAndCleansUp(t *testing.T) {
	boom := errors.New("connection reset by peer")
	ft := &copyTransport{copyErr: boom}
	e, catalog, _ := newTestExecutor(t, ft, &fakeStrategy{})

	info, err := e.Backup(context.Background())
	require.Error(t, err)
	assert.Equal(t, infofile.StatusFailed, info.Status)
	assert.Contains(t, info.Error, "connection reset")

	saved, err := catalog.Get(info.BackupID)
	require.NoError(t, err)
	assert.Equal(t, infofile.StatusFailed, saved.Status)

	// no partial data directory survives
	assert.NoDirExists(t, catalog.DataDir(info.BackupID))

	// and it never becomes a reuse candidate
	latest, err := catalog.LatestDone()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRsyncBackupEarlyFailureStillRecorded(t *testing.T) {
	// a failure before the backup directory exists must still leave a
	// FAILED backup.info behind
	catalog := NewCatalog(filepath.Join(t.TempDir(), "base"), "main")
	e := NewRsyncBackupExecutor(&RsyncExecutorOpts{
		ServerName: "main",
		Catalog:    catalog,
		Conn:       &fakeConn{versionErr: errors.New("server vanished")},
		Strategy:   &fakeStrategy{},
		Transport:  &copyTransport{},
	})

	info, err := e.Backup(context.Background())
	require.Error(t, err)

	saved, err := catalog.Get(info.BackupID)
	require.NoError(t, err)
	assert.Equal(t, infofile.StatusFailed, saved.Status)
	assert.Contains(t, saved.Error, "server vanished")
}

func TestReuseValid(t *testing.T) {
	base := func(version int, oids ...uint32) *infofile.BackupInfo {
		info := infofile.NewBackupInfo("main", "20260828T120000")
		info.Version = version
		for _, oid := range oids {
			info.Tablespaces = append(info.Tablespaces, infofile.Tablespace{OID: oid})
		}
		return info
	}
	tests := []struct {
		name     string
		previous *infofile.BackupInfo
		current  *infofile.BackupInfo
		want     bool
	}{
		{"no previous", nil, base(170002), false},
		{"same major same tablespaces", base(170002, 16384), base(170004, 16384), true},
		{"major changed", base(160003, 16384), base(170002, 16384), false},
		{"tablespace added", base(170002), base(170002, 16384), false},
		{"tablespace swapped", base(170002, 16384), base(170002, 16385), false},
		{"no tablespaces", base(170002), base(170002), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReuseValid(tt.previous, tt.current))
		})
	}
}

func TestMajorVersionString(t *testing.T) {
	assert.Equal(t, "17", majorVersionString(170002))
	assert.Equal(t, "10", majorVersionString(100005))
	assert.Equal(t, "9.6", majorVersionString(90621))
}

func TestInsideDir(t *testing.T) {
	assert.True(t, insideDir("/var/lib/pgsql/data", "/var/lib/pgsql/data/postgresql.conf"))
	assert.True(t, insideDir("/var/lib/pgsql/data", "/var/lib/pgsql/data/conf.d/extra.conf"))
	assert.False(t, insideDir("/var/lib/pgsql/data", "/etc/postgresql/pg_hba.conf"))
	assert.False(t, insideDir("/var/lib/pgsql/data", "/var/lib/pgsql/data2/postgresql.conf"))
}
