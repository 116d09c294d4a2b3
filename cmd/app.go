// Package cmd is the CLI surface of pgship.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/pgship/pgship/config"
	"github.com/pgship/pgship/internal/core/logger"
	"github.com/pgship/pgship/internal/version"
)

func App() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to config file",
		Aliases: []string{"c"},
		Sources: cli.EnvVars("PGSHIP_CONFIG_PATH"),
	}
	loopFlag := &cli.BoolFlag{
		Name:  "loop",
		Usage: "Keep running, scheduling maintenance passes with the configured cron expression",
	}

	app := &cli.Command{
		Name:    "pgship",
		Usage:   "Physical backups and WAL archiving for PostgreSQL",
		Version: version.Version,
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Take a base backup into the local catalog",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeBackup)
					return RunBackup(ctx, cfg)
				},
			},
			{
				Name:  "cron",
				Usage: "Run one maintenance pass (archive WALs, promote streamed segments)",
				Flags: []cli.Flag{configFlag, loopFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeCron)
					return RunCron(ctx, cfg, c.Bool("loop"))
				},
			},
			{
				Name:  "archive-wal",
				Usage: "Drain the incoming WAL directory into the archive",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeCron)
					return RunArchiveWal(ctx, cfg)
				},
			},
			{
				Name:  "receive-wal",
				Usage: "Stream WAL with pg_receivewal into the streaming directory",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeReceive)
					return RunReceiveWal(ctx, cfg)
				},
			},
			{
				Name:  "check",
				Usage: "Check the server and archiver configuration",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeCheck)
					return RunCheck(ctx, cfg)
				},
			},
			{
				Name:  "status",
				Usage: "Fetch archiver status from a running daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "addr",
						Usage:    "Address of a running pgship daemon, host:port",
						Required: true,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return RunStatus(ctx, c.String("addr"))
				},
			},
			cloudBackupCommand(),
			cloudWalArchiveCommand(),
			{
				Name:  "validate",
				Usage: "Validate the config file without running the application",
				Flags: []cli.Flag{configFlag},
				Action: func(_ context.Context, c *cli.Command) error {
					_ = loadConfig(c, config.ModeBackup)
					fmt.Println("Configuration is valid.")
					return nil
				},
			},
		},
	}
	return app
}

func loadConfig(c *cli.Command, mode string) *config.Config {
	configPath := c.String("config")

	// 1) if -c flag is set -> must read config from file
	// 2) if $PGSHIP_CONFIG_PATH is set -> must read config from file
	// 3) read config with go-envconfig otherwise
	var cfg *config.Config
	if configPath != "" {
		cfg = config.MustLoad(configPath, mode)
	} else {
		cfg = config.MustEnvconfig(mode)
	}

	// debug config (NOTE: sensitive fields are hidden)
	_, _ = fmt.Fprintf(os.Stderr, "STARTING WITH CONFIGURATION (%s):\n%s\n\n",
		filepath.ToSlash(configPath),
		cfg.String(),
	)

	logger.Init(&logger.Opts{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	return cfg
}
