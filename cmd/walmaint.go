package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grafana/dskit/services"

	"github.com/pgship/pgship/config"
	"github.com/pgship/pgship/internal/httpsrv"
	"github.com/pgship/pgship/internal/maint"
	"github.com/pgship/pgship/internal/pg"
	"github.com/pgship/pgship/internal/wal"
	"github.com/pgship/pgship/internal/walarchive"
)

func archiveStoreOpts(cfg *config.Config) *walarchive.StoreOpts {
	opts := &walarchive.StoreOpts{
		Name:        cfg.Storage.Name,
		BaseDir:     cfg.WalsDir(),
		Compression: cfg.Storage.Compression.Algo,
	}
	if cfg.Storage.Encryption.Algo != "" {
		opts.EncryptionPass = cfg.Storage.Encryption.Pass
	}
	if cfg.Storage.Name == walarchive.StoreSFTP {
		opts.SFTP = &walarchive.SFTPOpts{
			Host:       cfg.Storage.SFTP.Host,
			Port:       cfg.Storage.SFTP.Port,
			User:       cfg.Storage.SFTP.User,
			PKeyPath:   cfg.Storage.SFTP.PKeyPath,
			Passphrase: cfg.Storage.SFTP.PKeyPass,
			BaseDir:    cfg.Storage.SFTP.BaseDir,
		}
	}
	if cfg.Storage.Name == walarchive.StoreS3 {
		opts.S3 = &walarchive.S3Opts{
			URL:             cfg.Storage.S3.URL,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			DisableSSL:      cfg.Storage.S3.DisableSSL,
		}
	}
	return opts
}

func newStreamingArchiver(cfg *config.Config) *walarchive.StreamingArchiver {
	return walarchive.NewStreamingArchiver(&walarchive.StreamingArchiverOpts{
		ServerName:   cfg.Server.Name,
		StreamingDir: cfg.StreamingDir(),
		IncomingDir:  cfg.IncomingDir(),
		Slot:         cfg.Server.Slot,
		Conninfo:     cfg.Server.StreamingConninfo,
	})
}

// buildArchivers assembles the archiver chain of a maintenance pass. The
// database connection is optional: archiving works without it, only the
// remote status probe degrades.
func buildArchivers(ctx context.Context, cfg *config.Config) ([]walarchive.Archiver, func(), error) {
	store, err := walarchive.NewArchiveStore(archiveStoreOpts(cfg))
	if err != nil {
		return nil, nil, err
	}

	var server walarchive.ServerInfo
	closeFn := func() {}
	if cfg.Server.Conninfo != "" {
		if conn, err := pg.Connect(ctx, cfg.Server.Conninfo); err == nil {
			server = conn
			closeFn = func() { conn.Close(context.Background()) }
		} else {
			slog.Warn("database is unreachable, archiving without remote status",
				slog.Any("err", err))
		}
	}

	var archivers []walarchive.Archiver
	if cfg.Server.Archiver != config.ArchiverFile {
		archivers = append(archivers, newStreamingArchiver(cfg))
	}
	archivers = append(archivers, walarchive.NewFileArchiver(&walarchive.FileArchiverOpts{
		ServerName:  cfg.Server.Name,
		IncomingDir: cfg.IncomingDir(),
		ErrorsDir:   cfg.ErrorsDir(),
		Store:       store,
		Catalog:     wal.NewCatalog(cfg.WalsDir()),
		Server:      server,
	}))
	return archivers, closeFn, nil
}

// RunCron executes one maintenance pass, or keeps scheduling them with
// --loop.
func RunCron(ctx context.Context, cfg *config.Config, loop bool) error {
	archivers, closeFn, err := buildArchivers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	m := maint.New(&maint.Opts{
		Home:       cfg.Main.Home,
		ServerName: cfg.Server.Name,
		EnsureDirs: []string{
			cfg.BackupDir(),
			cfg.WalsDir(),
			cfg.IncomingDir(),
			cfg.StreamingDir(),
			cfg.ErrorsDir(),
		},
		Archivers: archivers,
	})

	if loop {
		srv := httpsrv.NewHTTPServer(&httpsrv.Opts{
			Addr:      fmt.Sprintf(":%d", cfg.Main.ListenPort),
			Archivers: archivers,
			Verbose:   strings.EqualFold(cfg.Log.Level, "trace"),
		})
		srv.Start(ctx)
		defer srv.Shutdown(context.Background())
		return m.Loop(ctx, cfg.Cron.Schedule)
	}
	return m.RunOnce(ctx)
}

// RunArchiveWal runs one archiving pass: promote streamed segments,
// then drain the incoming directory.
func RunArchiveWal(ctx context.Context, cfg *config.Config) error {
	archivers, closeFn, err := buildArchivers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	for _, a := range archivers {
		if err := a.Archive(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunReceiveWal keeps a WAL receiver attached to the server until
// interrupted, with the ops endpoint alongside.
func RunReceiveWal(ctx context.Context, cfg *config.Config) error {
	arch := newStreamingArchiver(cfg)

	srv := httpsrv.NewHTTPServer(&httpsrv.Opts{
		Addr:      fmt.Sprintf(":%d", cfg.Main.ListenPort),
		Archivers: []walarchive.Archiver{arch},
		Verbose:   strings.EqualFold(cfg.Log.Level, "trace"),
	})
	srv.Start(ctx)
	defer srv.Shutdown(context.Background())

	if err := services.StartAndAwaitRunning(ctx, arch.BasicService); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		arch.StopAsync()
	}()
	return arch.AwaitTerminated(context.Background())
}

// RunCheck prints every health check item and fails when any is not OK.
func RunCheck(ctx context.Context, cfg *config.Config) error {
	items := []walarchive.CheckItem{databaseCheck(ctx, cfg)}

	archivers, closeFn, err := buildArchivers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	for _, a := range archivers {
		items = append(items, a.Check(ctx)...)
	}

	failed := 0
	for _, item := range items {
		if item.OK {
			fmt.Printf("\t%s: OK\n", item.Name)
			continue
		}
		failed++
		fmt.Printf("\t%s: FAILED (%s)\n", item.Name, item.Hint)
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed for server %s", failed, cfg.Server.Name)
	}
	return nil
}

func databaseCheck(ctx context.Context, cfg *config.Config) walarchive.CheckItem {
	item := walarchive.CheckItem{
		Name: "database connection",
		Hint: "the conninfo must reach the server",
	}
	conn, err := pg.Connect(ctx, cfg.Server.Conninfo)
	if err != nil {
		return item
	}
	conn.Close(ctx)
	item.OK = true
	return item
}

// RunStatus fetches /status from a running daemon and renders it.
func RunStatus(ctx context.Context, addr string) error {
	status, err := httpsrv.FetchStatus(ctx, addr)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
