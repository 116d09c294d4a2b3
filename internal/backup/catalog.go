// Package backup takes base backups and keeps the on-disk backup catalog.
package backup

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pgship/pgship/internal/infofile"
)

// IDLayout makes backup IDs sort in creation order.
const IDLayout = "20060102T150405"

func NewBackupID(now time.Time) string {
	return now.Format(IDLayout)
}

// Catalog is the on-disk backup catalog of one server: one directory per
// backup under base/, each holding a backup.info and the data tree.
type Catalog struct {
	baseDir    string
	serverName string

	l *slog.Logger
}

func NewCatalog(baseDir, serverName string) *Catalog {
	return &Catalog{
		baseDir:    baseDir,
		serverName: serverName,
		l:          slog.With(slog.String("component", "backup-catalog")),
	}
}

func (c *Catalog) BaseDir() string { return c.baseDir }

func (c *Catalog) BackupDir(backupID string) string {
	return filepath.Join(c.baseDir, backupID)
}

func (c *Catalog) DataDir(backupID string) string {
	return filepath.Join(c.BackupDir(backupID), "data")
}

func (c *Catalog) InfoPath(backupID string) string {
	return filepath.Join(c.BackupDir(backupID), "backup.info")
}

// Save persists backup.info, creating the backup directory when
// missing: a FAILED record must be writable even when the backup never
// got as far as its data directory.
func (c *Catalog) Save(info *infofile.BackupInfo) error {
	if err := os.MkdirAll(c.BackupDir(info.BackupID), 0o700); err != nil {
		return err
	}
	return info.SaveToFile(c.InfoPath(info.BackupID))
}

func (c *Catalog) Get(backupID string) (*infofile.BackupInfo, error) {
	return infofile.LoadFromFile(c.InfoPath(backupID))
}

// List returns every readable backup, oldest first. A directory with a
// broken or missing backup.info is logged and skipped, not fatal.
func (c *Catalog) List() ([]*infofile.BackupInfo, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	backups := make([]*infofile.BackupInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := c.Get(e.Name())
		if err != nil {
			c.l.Warn("skipping unreadable backup",
				slog.String("backup_id", e.Name()),
				slog.Any("err", err))
			continue
		}
		backups = append(backups, info)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupID < backups[j].BackupID
	})
	return backups, nil
}

// LatestDone returns the newest completed backup, or nil when there is none.
func (c *Catalog) LatestDone() (*infofile.BackupInfo, error) {
	backups, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Status == infofile.StatusDone {
			return backups[i], nil
		}
	}
	return nil, nil
}

// PreviousDone returns the newest completed backup taken before backupID.
func (c *Catalog) PreviousDone(backupID string) (*infofile.BackupInfo, error) {
	backups, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].BackupID < backupID && backups[i].Status == infofile.StatusDone {
			return backups[i], nil
		}
	}
	return nil, nil
}

// NextDone returns the oldest completed backup taken after backupID.
func (c *Catalog) NextDone(backupID string) (*infofile.BackupInfo, error) {
	backups, err := c.List()
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if b.BackupID > backupID && b.Status == infofile.StatusDone {
			return b, nil
		}
	}
	return nil, nil
}
