package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const fileHeader = `# pilesync configuration
#
# Every key can be overridden with a PILESYNC_ environment variable, e.g.
# PILESYNC_REMOTE_DSN or PILESYNC_SYNC_PUSH_WORKERS.
#
# remote.driver is "sqlite3" (a local or shared SQLite file) or "libsql"
# (a libsql:// URL). An empty dsn uses remote.db in data_dir.
# blob.type is "filesystem" or "s3". An empty root uses blobs/ in data_dir.

`

// Write encodes the default settings for dataDir to w. The filesystem
// blob backend gets a freshly generated signing secret.
func Write(w io.Writer, dataDir string) error {
	v := viper.New()
	setDefaults(v, dataDir)
	v.Set("blob.signing_secret", uuid.NewString())

	if _, err := io.WriteString(w, fileHeader); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}
	if err := toml.NewEncoder(w).Encode(v.AllSettings()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Init writes a default config file at path. It refuses to overwrite an
// existing file.
func Init(path, dataDir string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if err := Write(f, dataDir); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("initializing config: %w", err)
	}
	return f.Close()
}
