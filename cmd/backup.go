package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgship/pgship/config"
	"github.com/pgship/pgship/internal/backup"
	"github.com/pgship/pgship/internal/copy"
	"github.com/pgship/pgship/internal/lockfile"
	"github.com/pgship/pgship/internal/pg"
	"github.com/pgship/pgship/internal/transport"
)

// RunBackup takes one rsync base backup under the per-server backup lock.
func RunBackup(ctx context.Context, cfg *config.Config) error {
	held, release, err := lockfile.BackupLock(cfg.ServerHome()).TryAcquire()
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("another backup of server %s is already running", cfg.Server.Name)
	}
	defer release()

	conn, err := pg.Connect(ctx, cfg.Server.Conninfo)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	strategy, err := pg.NewStrategy(ctx, conn, cfg.Server.BackupOptions, cfg.Server.ImmediateCheckpoint)
	if err != nil {
		return err
	}
	reuse, err := copy.ParseReuseMode(cfg.Server.ReuseBackup)
	if err != nil {
		return err
	}

	rsync := transport.NewPgData(cfg.Server.SSHCommand)
	rsync.BwLimitKBps = cfg.Server.BandwidthLimitKBps
	rsync.NetworkCompression = cfg.Server.NetworkCompression

	executor := backup.NewRsyncBackupExecutor(&backup.RsyncExecutorOpts{
		ServerName:         cfg.Server.Name,
		Host:               cfg.Server.SSHHost,
		Catalog:            backup.NewCatalog(cfg.BackupDir(), cfg.Server.Name),
		Conn:               conn,
		Strategy:           strategy,
		Transport:          rsync,
		Reuse:              reuse,
		Parallel:           cfg.Server.ParallelJobs,
		BwLimitKBps:        cfg.Server.BandwidthLimitKBps,
		TablespaceBwLimits: cfg.Server.TablespaceBandwidthLimits,
	})

	info, err := executor.Backup(ctx)
	if err != nil {
		return err
	}
	slog.Info("backup done",
		slog.String("backup_id", info.BackupID),
		slog.String("begin_wal", info.BeginWal),
		slog.String("end_wal", info.EndWal),
		slog.Int64("size", info.Size))
	return nil
}
