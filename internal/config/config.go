// Package config loads pilesync configuration.
//
// Values come from, in increasing precedence: built-in defaults, a
// config.toml file, a .env file and PILESYNC_* environment variables.
// Nested keys map to variables by replacing dots with underscores, so
// sync.push_batch is PILESYNC_SYNC_PUSH_BATCH.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// FileName is the config file searched for in the data dir and the
	// working directory.
	FileName = "config.toml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PILESYNC"

	// EnvConfigFile names an explicit config file path.
	EnvConfigFile = "PILESYNC_CONFIG"
)

// Config is the full pilesync configuration.
type Config struct {
	// DataDir holds the operation queue, logs and the default local remote.
	DataDir   string          `mapstructure:"data_dir"`
	Log       LogConfig       `mapstructure:"log"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// LogConfig configures logging and log file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn or error
	File       string `mapstructure:"file"`  // empty disables the log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RemoteConfig selects the remote relational store.
type RemoteConfig struct {
	Driver      string `mapstructure:"driver"` // "sqlite3" or "libsql"
	DSN         string `mapstructure:"dsn"`
	UserID      string `mapstructure:"user_id"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	// RateLimit is in requests per second; 0 disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// BlobConfig selects the attachment object store.
// The Type field determines which other fields are relevant.
type BlobConfig struct {
	Type string `mapstructure:"type"` // "filesystem" or "s3"

	// Filesystem-specific fields
	Root          string `mapstructure:"root"`
	SigningSecret string `mapstructure:"signing_secret"`
	BaseURL       string `mapstructure:"base_url"`

	// S3-specific fields
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`

	URLTTL time.Duration `mapstructure:"url_ttl"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PushBatch         int           `mapstructure:"push_batch"`
	PushWorkers       int           `mapstructure:"push_workers"`
	PullBatch         int           `mapstructure:"pull_batch"`
	AttachmentWorkers int           `mapstructure:"attachment_workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	FileDebounce      time.Duration `mapstructure:"file_debounce"`
	PushDebounce      time.Duration `mapstructure:"push_debounce"`
}

// DashboardConfig configures the dashboard server of `pile watch`.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Options control where Load looks.
type Options struct {
	// ConfigFile is an explicit config file. It must exist.
	ConfigFile string
	// DataDir overrides the default data dir.
	DataDir string
	// EnvFile is loaded into the environment when present. Default ".env".
	EnvFile string
}

// DefaultDataDir returns the per-user application data directory.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(base, "pilesync"), nil
}

// setDefaults registers every key so that environment overrides apply to
// keys absent from the config file. Durations are strings so the settings
// map encodes the way users write it.
func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("remote.driver", "sqlite3")
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.user_id", "local")
	v.SetDefault("remote.auto_migrate", true)
	v.SetDefault("remote.rate_limit", 20.0)
	v.SetDefault("remote.burst", 10)

	v.SetDefault("blob.type", "filesystem")
	v.SetDefault("blob.root", "")
	v.SetDefault("blob.signing_secret", "")
	v.SetDefault("blob.base_url", "")
	v.SetDefault("blob.s3_bucket", "")
	v.SetDefault("blob.s3_region", "")
	v.SetDefault("blob.s3_prefix", "")
	v.SetDefault("blob.s3_endpoint", "")
	v.SetDefault("blob.url_ttl", "15m")

	v.SetDefault("sync.push_batch", 100)
	v.SetDefault("sync.push_workers", 4)
	v.SetDefault("sync.pull_batch", 100)
	v.SetDefault("sync.attachment_workers", 3)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_base", "1s")
	v.SetDefault("sync.file_debounce", "1s")
	v.SetDefault("sync.push_debounce", "500ms")

	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)
}

func newViper(dataDir string) *viper.Viper {
	v := viper.New()
	setDefaults(v, dataDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing config file is not an error;
// defaults and the environment still apply.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = os.Getenv(EnvPrefix + "_DATA_DIR")
	}
	if dataDir == "" {
		var err error
		if dataDir, err = DefaultDataDir(); err != nil {
			return nil, err
		}
	}

	v := newViper(dataDir)
	v.SetConfigType("toml")

	file := opts.ConfigFile
	if file == "" {
		file = os.Getenv(EnvConfigFile)
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(dataDir)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default to locations inside the data dir.
func (c *Config) applyDerived() {
	if c.DataDir == "" {
		return
	}
	if c.Remote.DSN == "" && (c.Remote.Driver == "sqlite3" || c.Remote.Driver == "") {
		c.Remote.DSN = filepath.Join(c.DataDir, "remote.db")
	}
	if c.Blob.Root == "" && c.Blob.Type == "filesystem" {
		c.Blob.Root = filepath.Join(c.DataDir, "blobs")
	}
	if c.Blob.BaseURL == "" {
		c.Blob.BaseURL = fmt.Sprintf("http://%s:%d", c.Dashboard.Host, c.Dashboard.Port)
	}
}

// LogFile returns the log file path, defaulting into the data dir.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "pilesync.log")
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	switch c.Remote.Driver {
	case "sqlite3", "libsql":
	default:
		return fmt.Errorf("unknown remote.driver %q (want sqlite3 or libsql)", c.Remote.Driver)
	}
	if c.Remote.DSN == "" {
		return fmt.Errorf("remote.dsn must be set")
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote.rate_limit cannot be negative")
	}
	if c.Remote.RateLimit > 0 && c.Remote.Burst <= 0 {
		return fmt.Errorf("remote.burst must be positive when rate_limit is set")
	}

	switch c.Blob.Type {
	case "filesystem":
		if c.Blob.Root == "" {
			return fmt.Errorf("blob.root must be set for the filesystem backend")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob.s3_bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob.type %q (want filesystem or s3)", c.Blob.Type)
	}

	positive := map[string]int{
		"sync.push_batch":         c.Sync.PushBatch,
		"sync.push_workers":       c.Sync.PushWorkers,
		"sync.pull_batch":         c.Sync.PullBatch,
		"sync.attachment_workers": c.Sync.AttachmentWorkers,
		"sync.max_retries":        c.Sync.MaxRetries,
	}
	for key, n := range positive {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}
	if c.Sync.RetryBase <= 0 || c.Sync.FileDebounce <= 0 || c.Sync.PushDebounce <= 0 {
		return fmt.Errorf("sync durations must be positive")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}
