package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"sigs.k8s.io/yaml"
)

// Daemon and command modes.
const (
	ModeBackup  = "backup"
	ModeReceive = "receive-wal"
	ModeCron    = "cron"
	ModeServe   = "serve"
	ModeCheck   = "check"
	ModeStatus  = "status"
)

const (
	ArchiverFile      = "file"
	ArchiverStreaming = "streaming"
	ArchiverBoth      = "both"
)

const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

const EncryptionAes256Gcm = "aes-256-gcm"

type Config struct {
	Main    MainConfig    `json:"main"`
	Log     LogConfig     `json:"log"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Cron    CronConfig    `json:"cron"`
}

type MainConfig struct {
	// Home is the root of all per-server state.
	Home       string `json:"home" env:"PGSHIP_HOME, default=/var/lib/pgship"`
	ListenPort int    `json:"listen_port" env:"PGSHIP_LISTEN_PORT, default=7070"`
}

type LogConfig struct {
	Level     string `json:"level" env:"PGSHIP_LOG_LEVEL, default=info"`
	Format    string `json:"format" env:"PGSHIP_LOG_FORMAT, default=json"`
	AddSource bool   `json:"add_source" env:"PGSHIP_LOG_ADD_SOURCE"`
}

type ServerConfig struct {
	Name              string `json:"name" env:"PGSHIP_SERVER_NAME"`
	Conninfo          string `json:"conninfo" env:"PGSHIP_CONNINFO"`
	StreamingConninfo string `json:"streaming_conninfo" env:"PGSHIP_STREAMING_CONNINFO"`

	// SSHHost prefixes rsync sources; empty means a local data directory.
	SSHHost    string `json:"ssh_host" env:"PGSHIP_SSH_HOST"`
	SSHCommand string `json:"ssh_command" env:"PGSHIP_SSH_COMMAND"`

	Slot     string `json:"slot" env:"PGSHIP_SLOT, default=pgship"`
	Archiver string `json:"archiver" env:"PGSHIP_ARCHIVER, default=file"`

	BackupOptions       string `json:"backup_options" env:"PGSHIP_BACKUP_OPTIONS, default=concurrent"`
	ImmediateCheckpoint bool   `json:"immediate_checkpoint" env:"PGSHIP_IMMEDIATE_CHECKPOINT"`
	ReuseBackup         string `json:"reuse_backup" env:"PGSHIP_REUSE_BACKUP, default=off"`
	ParallelJobs        int    `json:"parallel_jobs" env:"PGSHIP_PARALLEL_JOBS, default=1"`

	BandwidthLimitKBps        int            `json:"bandwidth_limit_kbps" env:"PGSHIP_BANDWIDTH_LIMIT_KBPS"`
	TablespaceBandwidthLimits map[string]int `json:"tablespace_bandwidth_limits"`
	NetworkCompression        bool           `json:"network_compression" env:"PGSHIP_NETWORK_COMPRESSION"`

	// Directory overrides. Anything left empty derives from home+name.
	BackupDir    string `json:"backup_dir" env:"PGSHIP_BACKUP_DIR"`
	WalsDir      string `json:"wals_dir" env:"PGSHIP_WALS_DIR"`
	IncomingDir  string `json:"incoming_dir" env:"PGSHIP_INCOMING_DIR"`
	StreamingDir string `json:"streaming_dir" env:"PGSHIP_STREAMING_DIR"`
	ErrorsDir    string `json:"errors_dir" env:"PGSHIP_ERRORS_DIR"`
}

type StorageConfig struct {
	// Name selects the WAL archive backend: local (default), sftp, s3.
	Name        string            `json:"name" env:"PGSHIP_STORAGE_NAME, default=local"`
	Compression CompressionConfig `json:"compression"`
	Encryption  EncryptionConfig  `json:"encryption"`
	SFTP        SFTPConfig        `json:"sftp"`
	S3          S3Config          `json:"s3"`
}

type CompressionConfig struct {
	Algo string `json:"algo" env:"PGSHIP_COMPRESSION_ALGO"`
}

type EncryptionConfig struct {
	Algo string `json:"algo" env:"PGSHIP_ENCRYPTION_ALGO"`
	Pass string `json:"pass" env:"PGSHIP_ENCRYPTION_PASS"`
}

type SFTPConfig struct {
	Host     string `json:"host" env:"PGSHIP_SFTP_HOST"`
	Port     int    `json:"port" env:"PGSHIP_SFTP_PORT, default=22"`
	User     string `json:"user" env:"PGSHIP_SFTP_USER"`
	PKeyPath string `json:"pkey_path" env:"PGSHIP_SFTP_PKEY_PATH"`
	PKeyPass string `json:"pkey_pass" env:"PGSHIP_SFTP_PKEY_PASS"`
	BaseDir  string `json:"base_dir" env:"PGSHIP_SFTP_BASE_DIR"`
}

type S3Config struct {
	URL             string `json:"url" env:"PGSHIP_S3_URL"`
	AccessKeyID     string `json:"access_key_id" env:"PGSHIP_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"PGSHIP_S3_SECRET_ACCESS_KEY"`
	Bucket          string `json:"bucket" env:"PGSHIP_S3_BUCKET"`
	Region          string `json:"region" env:"PGSHIP_S3_REGION"`
	UsePathStyle    bool   `json:"use_path_style" env:"PGSHIP_S3_USE_PATH_STYLE"`
	DisableSSL      bool   `json:"disable_ssl" env:"PGSHIP_S3_DISABLE_SSL"`
}

type CronConfig struct {
	Schedule string `json:"schedule" env:"PGSHIP_CRON_SCHEDULE, default=* * * * *"`
}

// MustLoad reads a YAML or JSON config file and validates it for the
// given mode. A file, when given, is the whole configuration; it is not
// merged with the environment.
func MustLoad(path, mode string) *Config {
	cfg, err := Load(path, mode)
	if err != nil {
		log.Fatalf("cannot load config %s: %v", path, err)
	}
	return cfg
}

func Load(path, mode string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the fields whose env tags carry a default, for
// configs coming from a file.
func (c *Config) applyDefaults() {
	c.Main.Home = orDefault(c.Main.Home, "/var/lib/pgship")
	if c.Main.ListenPort == 0 {
		c.Main.ListenPort = 7070
	}
	c.Log.Level = orDefault(c.Log.Level, "info")
	c.Log.Format = orDefault(c.Log.Format, "json")
	c.Server.Slot = orDefault(c.Server.Slot, "pgship")
	c.Server.Archiver = orDefault(c.Server.Archiver, ArchiverFile)
	c.Server.BackupOptions = orDefault(c.Server.BackupOptions, "concurrent")
	c.Server.ReuseBackup = orDefault(c.Server.ReuseBackup, "off")
	if c.Server.ParallelJobs == 0 {
		c.Server.ParallelJobs = 1
	}
	c.Storage.Name = orDefault(c.Storage.Name, "local")
	if c.Storage.SFTP.Port == 0 {
		c.Storage.SFTP.Port = 22
	}
	c.Cron.Schedule = orDefault(c.Cron.Schedule, "* * * * *")
}

// MustEnvconfig builds the whole config from PGSHIP_* environment
// variables, for containerized deployments with no config file.
func MustEnvconfig(mode string) *Config {
	cfg, err := Envconfig(mode)
	if err != nil {
		log.Fatalf("cannot load config from environment: %v", err)
	}
	return cfg
}

func Envconfig(mode string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(mode string) error {
	if c.Server.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch c.Server.Archiver {
	case ArchiverFile, ArchiverStreaming, ArchiverBoth:
	default:
		return fmt.Errorf("unknown archiver %q (want file, streaming or both)", c.Server.Archiver)
	}
	switch c.Server.ReuseBackup {
	case "", "off", "link", "copy":
	default:
		return fmt.Errorf("unknown reuse_backup %q (want off, link or copy)", c.Server.ReuseBackup)
	}
	switch c.Server.BackupOptions {
	case "", "auto", "exclusive", "concurrent":
	default:
		return fmt.Errorf("unknown backup_options %q (want exclusive or concurrent)", c.Server.BackupOptions)
	}
	switch c.Storage.Compression.Algo {
	case "", CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("unknown compression algo %q (want gzip or zstd)", c.Storage.Compression.Algo)
	}
	if c.Storage.Encryption.Algo != "" {
		if c.Storage.Encryption.Algo != EncryptionAes256Gcm {
			return fmt.Errorf("unknown encryption algo %q", c.Storage.Encryption.Algo)
		}
		if c.Storage.Encryption.Pass == "" {
			return fmt.Errorf("encryption pass is required when encryption is enabled")
		}
	}

	switch mode {
	case ModeBackup, ModeCheck:
		if c.Server.Conninfo == "" {
			return fmt.Errorf("conninfo is required in %s mode", mode)
		}
	case ModeReceive:
		if c.Server.StreamingConninfo == "" {
			return fmt.Errorf("streaming_conninfo is required in %s mode", mode)
		}
	}
	return nil
}

// ServerHome is the per-server state root.
func (c *Config) ServerHome() string {
	return filepath.Join(c.Main.Home, c.Server.Name)
}

func (c *Config) BackupDir() string {
	return orDefault(c.Server.BackupDir, filepath.Join(c.ServerHome(), "base"))
}

func (c *Config) WalsDir() string {
	return orDefault(c.Server.WalsDir, filepath.Join(c.ServerHome(), "wals"))
}

func (c *Config) IncomingDir() string {
	return orDefault(c.Server.IncomingDir, filepath.Join(c.ServerHome(), "incoming"))
}

func (c *Config) StreamingDir() string {
	return orDefault(c.Server.StreamingDir, filepath.Join(c.ServerHome(), "streaming"))
}

func (c *Config) ErrorsDir() string {
	return orDefault(c.Server.ErrorsDir, filepath.Join(c.ServerHome(), "errors"))
}

func orDefault(value, def string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return def
}

// String renders the configuration for startup logging with every
// sensitive field masked.
func (c *Config) String() string {
	masked := *c
	masked.Storage.Encryption.Pass = mask(masked.Storage.Encryption.Pass)
	masked.Storage.S3.SecretAccessKey = mask(masked.Storage.S3.SecretAccessKey)
	masked.Storage.SFTP.PKeyPass = mask(masked.Storage.SFTP.PKeyPass)
	masked.Server.Conninfo = maskConninfo(masked.Server.Conninfo)
	masked.Server.StreamingConninfo = maskConninfo(masked.Server.StreamingConninfo)
	out, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("cannot render config: %v", err)
	}
	return string(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskConninfo hides the password of a key=value conninfo or a URL DSN.
func maskConninfo(conninfo string) string {
	if conninfo == "" {
		return ""
	}
	if strings.Contains(conninfo, "password=") {
		fields := strings.Fields(conninfo)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=***"
			}
		}
		return strings.Join(fields, " ")
	}
	if at := strings.Index(conninfo, "@"); at > 0 {
		if colon := strings.Index(conninfo, "://"); colon > 0 {
			auth := conninfo[colon+3 : at]
			if p := strings.Index(auth, ":"); p >= 0 {
				return conninfo[:colon+3] + auth[:p] + ":***" + conninfo[at:]
			}
		}
	}
	return conninfo
}
