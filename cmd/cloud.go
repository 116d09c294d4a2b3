package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/pgship/pgship/internal/backup"
	"github.com/pgship/pgship/internal/cloud"
	"github.com/pgship/pgship/internal/core/logger"
	"github.com/pgship/pgship/internal/pg"
)

// The cloud commands follow the libpq conventions instead of the config
// file: connection settings come from -h/-p/-U flags and the usual
// PG* environment variables, credentials from the AWS SDK chain.

func cloudCompression(c *cli.Command) string {
	switch {
	case c.Bool("gzip"):
		return "gzip"
	case c.Bool("bzip2"):
		return "bzip2"
	}
	return ""
}

func initCloudLogger(c *cli.Command) {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	if c.Bool("quiet") {
		level = "error"
	}
	logger.Init(&logger.Opts{Level: level, Format: "text"})
}

// buildConninfo assembles a key=value conninfo from the libpq-style
// flags. Anything left empty falls back to the libpq defaults and PG*
// environment variables.
func buildConninfo(c *cli.Command) string {
	parts := make([]string, 0, 3)
	if host := c.String("host"); host != "" {
		parts = append(parts, "host="+host)
	}
	if port := c.String("port"); port != "" {
		parts = append(parts, "port="+port)
	}
	if user := c.String("user"); user != "" {
		parts = append(parts, "user="+user)
	}
	return strings.Join(parts, " ")
}

func compressionFlags() ([]cli.Flag, []cli.MutuallyExclusiveFlags) {
	gzipFlag := &cli.BoolFlag{
		Name:    "gzip",
		Usage:   "gzip-compress the uploaded data",
		Aliases: []string{"z"},
	}
	bzip2Flag := &cli.BoolFlag{
		Name:    "bzip2",
		Usage:   "bzip2-compress the uploaded data",
		Aliases: []string{"j"},
	}
	flags := []cli.Flag{gzipFlag, bzip2Flag}
	exclusive := []cli.MutuallyExclusiveFlags{
		{Flags: [][]cli.Flag{{gzipFlag}, {bzip2Flag}}},
	}
	return flags, exclusive
}

func commonCloudFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "encryption",
			Usage:   "Server-side encryption: AES256 or aws:kms",
			Aliases: []string{"e"},
		},
		&cli.StringFlag{
			Name:    "profile",
			Usage:   "AWS profile name",
			Aliases: []string{"P"},
		},
		&cli.BoolFlag{
			Name:    "test",
			Usage:   "Test the connection to the object store and exit",
			Aliases: []string{"t"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "Increase output verbosity",
			Aliases: []string{"v"},
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Usage:   "Decrease output verbosity (errors only)",
			Aliases: []string{"q"},
		},
	}
}

func cloudBackupCommand() *cli.Command {
	compFlags, exclusive := compressionFlags()
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Usage:   "Database server host or socket directory",
			Aliases: []string{"h"},
		},
		&cli.StringFlag{
			Name:    "port",
			Usage:   "Database server port",
			Aliases: []string{"p"},
		},
		&cli.StringFlag{
			Name:    "user",
			Usage:   "Database connection user name",
			Aliases: []string{"U"},
		},
		&cli.BoolFlag{
			Name:  "immediate-checkpoint",
			Usage: "Ask the server for an immediate checkpoint at backup start",
		},
		&cli.IntFlag{
			Name:  "chunk-size-mb",
			Usage: "Multipart upload part size, MiB",
			Value: 20,
		},
		&cli.IntFlag{
			Name:  "bwlimit",
			Usage: "Upload bandwidth limit, KiB/s (0 means unlimited)",
		},
	}
	flags = append(flags, compFlags...)
	flags = append(flags, commonCloudFlags()...)

	return &cli.Command{
		Name:      "cloud-backup",
		Usage:     "Take a base backup straight into an object store",
		ArgsUsage: "destination_url server_name",
		// -h is taken by the host flag, matching the libpq tools
		HideHelp:               true,
		Flags:                  flags,
		MutuallyExclusiveFlags: exclusive,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("usage: cloud-backup [options] destination_url server_name")
			}
			destURL, serverName := c.Args().Get(0), c.Args().Get(1)
			initCloudLogger(c)

			store, err := cloud.New(ctx, destURL, &cloud.Opts{
				Profile:    c.String("profile"),
				Encryption: c.String("encryption"),
			})
			if err != nil {
				return err
			}
			if c.Bool("test") {
				return store.TestConnectivity(ctx)
			}
			if err := store.SetupBucket(ctx); err != nil {
				return err
			}

			conn, err := pg.Connect(ctx, buildConninfo(c))
			if err != nil {
				return err
			}
			defer conn.Close(ctx)

			strategy, err := pg.NewStrategy(ctx, conn, "auto", c.Bool("immediate-checkpoint"))
			if err != nil {
				return err
			}

			uploader := backup.NewCloudBackupUploader(&backup.CloudUploaderOpts{
				ServerName:  serverName,
				Conn:        conn,
				Strategy:    strategy,
				Cloud:       store,
				Compression: cloudCompression(c),
				ChunkSize:   c.Int("chunk-size-mb") << 20,
				BwLimitKBps: c.Int("bwlimit"),
			})
			info, err := uploader.Backup(ctx)
			if err != nil {
				return err
			}
			slog.Info("cloud backup completed",
				slog.String("backup_id", info.BackupID),
				slog.Int64("size", info.Size),
			)
			return nil
		},
	}
}

func cloudWalArchiveCommand() *cli.Command {
	compFlags, exclusive := compressionFlags()
	flags := append(compFlags, commonCloudFlags()...)

	return &cli.Command{
		Name:                   "cloud-walarchive",
		Usage:                  "Ship one WAL file to an object store, for use in archive_command",
		ArgsUsage:              "destination_url server_name wal_path",
		Flags:                  flags,
		MutuallyExclusiveFlags: exclusive,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Bool("test") && c.Args().Len() < 2 {
				return fmt.Errorf("usage: cloud-walarchive -t destination_url server_name")
			}
			if !c.Bool("test") && c.Args().Len() != 3 {
				return fmt.Errorf("usage: cloud-walarchive [options] destination_url server_name wal_path")
			}
			destURL := c.Args().Get(0)
			initCloudLogger(c)

			store, err := cloud.New(ctx, destURL, &cloud.Opts{
				Profile:    c.String("profile"),
				Encryption: c.String("encryption"),
			})
			if err != nil {
				return err
			}
			if c.Bool("test") {
				return store.TestConnectivity(ctx)
			}
			if err := store.SetupBucket(ctx); err != nil {
				return err
			}

			serverName, walPath := c.Args().Get(1), c.Args().Get(2)
			key, err := cloud.UploadWal(ctx, store, serverName, walPath, cloudCompression(c))
			if err != nil {
				return err
			}
			slog.Info("wal file uploaded", slog.String("key", key))
			return nil
		},
	}
}
