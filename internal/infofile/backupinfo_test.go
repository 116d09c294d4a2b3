package infofile

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBackupInfo() *BackupInfo {
	b := NewBackupInfo("main", "20260828T101500")
	b.Status = StatusDone
	b.Version = 170000
	b.Pgdata = "/var/lib/postgresql/17/main"
	b.ConfigFile = "/etc/postgresql/17/main/postgresql.conf"
	b.HbaFile = "/etc/postgresql/17/main/pg_hba.conf"
	b.Tablespaces = []Tablespace{
		{Name: "tbs1", OID: 16384, Location: "/srv/tbs1"},
		{Name: "tbs2", OID: 16385, Location: "/var/lib/postgresql/17/main/in_pgdata"},
	}
	b.Timeline = 1
	b.BeginTime = time.Date(2026, 8, 28, 10, 15, 0, 0, time.UTC)
	b.BeginWal = "000000010000000000000002"
	b.BeginXlog = "0/2000028"
	b.BeginOffset = 40
	b.EndTime = time.Date(2026, 8, 28, 10, 17, 42, 0, time.UTC)
	b.EndWal = "000000010000000000000004"
	b.EndXlog = "0/4000050"
	b.EndOffset = 80
	b.Size = 123456789
	b.CopyStats = &CopyStats{TotalTime: 161.2, CopyTime: 155.0, NumberOfJobs: 4, Bytes: 123456789}
	return b
}

func TestBackupInfoRoundTrip(t *testing.T) {
	orig := sampleBackupInfo()

	var buf bytes.Buffer
	require.NoError(t, orig.Save(&buf))

	loaded := &BackupInfo{}
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, orig, loaded)
}

func TestBackupInfoAbsentValues(t *testing.T) {
	b := NewBackupInfo("main", "20260828T101500")

	var buf bytes.Buffer
	require.NoError(t, b.Save(&buf))

	// unset optional fields carry the literal absent-value token
	assert.Contains(t, buf.String(), "ident_file=None\n")
	assert.Contains(t, buf.String(), "tablespaces=None\n")
	assert.Contains(t, buf.String(), "copy_stats=None\n")
	assert.Contains(t, buf.String(), "begin_time=None\n")

	loaded := &BackupInfo{}
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, b, loaded)
	assert.Nil(t, loaded.Tablespaces)
	assert.True(t, loaded.BeginTime.IsZero())
}

func TestBackupInfoUnknownFieldRejected(t *testing.T) {
	loaded := &BackupInfo{}
	err := loaded.Load(bytes.NewReader([]byte("status=DONE\nshiny_new_field=1\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shiny_new_field")
}

func TestBackupInfoMalformedLine(t *testing.T) {
	loaded := &BackupInfo{}
	err := loaded.Load(bytes.NewReader([]byte("status DONE\n")))
	assert.Error(t, err)
}

func TestBackupInfoFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.info")
	orig := sampleBackupInfo()
	require.NoError(t, orig.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, loaded)
}

func TestSetError(t *testing.T) {
	b := sampleBackupInfo()
	b.SetError(assert.AnError)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, assert.AnError.Error(), b.Error)
}

func TestTablespaceOIDs(t *testing.T) {
	b := &BackupInfo{Tablespaces: []Tablespace{
		{Name: "b", OID: 20000, Location: "/srv/b"},
		{Name: "a", OID: 16384, Location: "/srv/a"},
	}}
	assert.Equal(t, []uint32{16384, 20000}, b.TablespaceOIDs())
}
