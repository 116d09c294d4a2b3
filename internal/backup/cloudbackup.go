package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/pgship/pgship/internal/cloud"
	"github.com/pgship/pgship/internal/copy"
	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/metrics"
	"github.com/pgship/pgship/internal/pg"
)

// cloudPgdataExcludeList mirrors the rsync exclusions, except pg_control:
// in the cloud layout it travels inside the data tar and there is no
// second copy pass to defer it to.
var cloudPgdataExcludeList = []string{
	"/pg_xlog/*",
	"/pg_wal/*",
	"/pg_log/*",
	"/log/*",
	"/pg_replslot/*",
	"/postmaster.pid",
	"/postmaster.opts",
	"/recovery.conf",
	"/standby.signal",
}

type CloudUploaderOpts struct {
	ServerName string
	Conn       ServerConn
	Strategy   pg.BackupStrategy
	Cloud      cloud.Uploader

	Compression string // "", gzip or bzip2
	ChunkSize   int
	BwLimitKBps int
}

// CloudBackupUploader takes a base backup of a locally reachable data
// directory straight into an object store, one tar archive per content
// group, without staging anything on local disk.
type CloudBackupUploader struct {
	serverName string
	conn       ServerConn
	strategy   pg.BackupStrategy
	cloud      cloud.Uploader

	compression string
	chunkSize   int
	bwLimitKBps int

	l *slog.Logger
}

func NewCloudBackupUploader(opts *CloudUploaderOpts) *CloudBackupUploader {
	return &CloudBackupUploader{
		serverName:  opts.ServerName,
		conn:        opts.Conn,
		strategy:    opts.Strategy,
		cloud:       opts.Cloud,
		compression: opts.Compression,
		chunkSize:   opts.ChunkSize,
		bwLimitKBps: opts.BwLimitKBps,
		l:           slog.With(slog.String("component", "cloud-backup")),
	}
}

// Backup uploads one base backup under <server>/base/<backup_id>/.
// backup.info is uploaded even for a failed backup, so the remote
// catalog records the attempt; in-flight multipart uploads are aborted
// on any failure.
func (u *CloudBackupUploader) Backup(ctx context.Context) (*infofile.BackupInfo, error) {
	info := infofile.NewBackupInfo(u.serverName, NewBackupID(time.Now()))
	prefix := path.Join(u.serverName, "base", info.BackupID)

	controller, err := cloud.NewUploadController(u.cloud, prefix, &cloud.ControllerOpts{
		Compression: u.compression,
		ChunkSize:   u.chunkSize,
		BwLimitKBps: u.bwLimitKBps,
	})
	if err != nil {
		return info, err
	}

	fail := func(err error) (*infofile.BackupInfo, error) {
		controller.Abort()
		info.SetError(err)
		u.uploadInfo(ctx, controller, info)
		metrics.BackupsCompleted.WithLabelValues(u.serverName, infofile.StatusFailed).Inc()
		return info, err
	}

	if err := collectServerInfo(ctx, u.conn, info); err != nil {
		return fail(err)
	}
	info.Compression = u.compression
	info.Status = infofile.StatusStarted

	u.l.Info("starting cloud backup",
		slog.String("backup_id", info.BackupID),
		slog.String("prefix", prefix))
	if err := u.strategy.StartBackup(ctx, info); err != nil {
		return fail(err)
	}

	start := time.Now()
	if err := u.uploadData(ctx, controller, info); err != nil {
		return fail(err)
	}
	if err := u.strategy.StopBackup(ctx, info); err != nil {
		return fail(err)
	}
	if err := u.uploadBackupLabel(ctx, controller, info); err != nil {
		return fail(err)
	}
	if err := controller.Close(); err != nil {
		return fail(err)
	}

	stats := controller.Statistics()
	info.Size = stats.Bytes
	info.CopyStats = &infofile.CopyStats{
		TotalTime:    time.Since(start).Seconds(),
		CopyTime:     time.Since(start).Seconds(),
		NumberOfJobs: stats.Archives,
		Bytes:        stats.Bytes,
	}
	info.Status = infofile.StatusDone
	u.uploadInfo(ctx, controller, info)

	metrics.BackupsCompleted.WithLabelValues(u.serverName, infofile.StatusDone).Inc()
	metrics.BackupBytes.WithLabelValues(u.serverName).Set(float64(info.Size))
	u.l.Info("cloud backup completed",
		slog.String("backup_id", info.BackupID),
		slog.Int64("size", info.Size))
	return info, nil
}

func (u *CloudBackupUploader) uploadData(ctx context.Context, controller *cloud.UploadController, info *infofile.BackupInfo) error {
	exclude := append([]string{}, cloudPgdataExcludeList...)
	exclude = append(exclude, copy.PgdataExclusions(info.Pgdata, info.Tablespaces)...)

	// One archive per tablespace, named after its OID. Only the
	// PG_<major>_* version directory inside the location belongs to this
	// server.
	tbsInclude := []string{fmt.Sprintf("/PG_%s_*", majorVersionString(info.Version))}
	for _, tbs := range info.Tablespaces {
		err := controller.UploadDirectory(ctx, tbs.Name, tbs.Location,
			fmt.Sprintf("%d", tbs.OID), []string{"/*"}, tbsInclude)
		if err != nil {
			return err
		}
	}

	if err := controller.UploadDirectory(ctx, "pgdata", info.Pgdata, "data", exclude, nil); err != nil {
		return err
	}

	// External configuration files cannot be restored from the data tar;
	// surface them instead of silently uploading a partial cluster config.
	for _, p := range []string{info.ConfigFile, info.HbaFile, info.IdentFile} {
		if p != "" && !insideDir(info.Pgdata, p) {
			u.l.Warn("configuration file lives outside pgdata and is not part of the backup",
				slog.String("path", p))
		}
	}
	return nil
}

func (u *CloudBackupUploader) uploadBackupLabel(ctx context.Context, controller *cloud.UploadController, info *infofile.BackupInfo) error {
	if info.BackupLabel == "" {
		return nil
	}
	label := strings.ReplaceAll(info.BackupLabel, "\\n", "\n")
	return controller.AddFileObj(ctx, strings.NewReader(label), "data", "backup_label",
		int64(len(label)), 0o600, time.Now())
}

// uploadInfo is best-effort: a backup.info upload failure must not mask
// the original outcome.
func (u *CloudBackupUploader) uploadInfo(ctx context.Context, controller *cloud.UploadController, info *infofile.BackupInfo) {
	var buf bytes.Buffer
	if err := info.Save(&buf); err != nil {
		u.l.Error("cannot serialize backup.info", slog.Any("err", err))
		return
	}
	if err := controller.UploadFileObj(ctx, &buf, "backup.info"); err != nil {
		u.l.Error("cannot upload backup.info", slog.Any("err", err))
	}
}

func majorVersionString(versionNum int) string {
	major := versionNum / 10000
	if major >= 10 {
		return fmt.Sprintf("%d", major)
	}
	return fmt.Sprintf("%d.%d", major, (versionNum/100)%100)
}
