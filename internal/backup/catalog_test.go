package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/infofile"
)

func seedCatalog(t *testing.T, backups map[string]string) *Catalog {
	t.Helper()
	c := NewCatalog(t.TempDir(), "main")
	for id, status := range backups {
		info := infofile.NewBackupInfo("main", id)
		info.Status = status
		require.NoError(t, c.Save(info))
	}
	return c
}

func TestNewBackupIDOrdering(t *testing.T) {
	a := NewBackupID(time.Date(2026, 8, 28, 10, 15, 30, 0, time.UTC))
	b := NewBackupID(time.Date(2026, 8, 28, 10, 15, 31, 0, time.UTC))
	assert.Equal(t, "20260828T101530", a)
	assert.Less(t, a, b)
}

func TestCatalogSaveCreatesBackupDir(t *testing.T) {
	c := NewCatalog(filepath.Join(t.TempDir(), "base"), "main")
	info := infofile.NewBackupInfo("main", "20260828T120000")
	info.Status = infofile.StatusFailed

	require.NoError(t, c.Save(info))
	assert.FileExists(t, c.InfoPath(info.BackupID))
}

func TestCatalogList(t *testing.T) {
	c := seedCatalog(t, map[string]string{
		"20260828T120000": infofile.StatusDone,
		"20260826T120000": infofile.StatusDone,
		"20260827T120000": infofile.StatusFailed,
	})
	backups, err := c.List()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "20260826T120000", backups[0].BackupID)
	assert.Equal(t, "20260828T120000", backups[2].BackupID)
}

func TestCatalogListEmpty(t *testing.T) {
	c := NewCatalog(t.TempDir()+"/missing", "main")
	backups, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestCatalogNeighbors(t *testing.T) {
	c := seedCatalog(t, map[string]string{
		"20260825T120000": infofile.StatusDone,
		"20260826T120000": infofile.StatusFailed,
		"20260827T120000": infofile.StatusDone,
		"20260828T120000": infofile.StatusDone,
	})

	prev, err := c.PreviousDone("20260827T120000")
	require.NoError(t, err)
	require.NotNil(t, prev)
	// the failed one in between does not count
	assert.Equal(t, "20260825T120000", prev.BackupID)

	next, err := c.NextDone("20260827T120000")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "20260828T120000", next.BackupID)

	latest, err := c.LatestDone()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "20260828T120000", latest.BackupID)

	none, err := c.PreviousDone("20260825T120000")
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = c.NextDone("20260828T120000")
	require.NoError(t, err)
	assert.Nil(t, none)
}
