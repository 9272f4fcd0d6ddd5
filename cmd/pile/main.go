// Command pile keeps folders of markdown posts in sync with a remote store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/config"
	"github.com/pilesync/pilesync/internal/engine"
	"github.com/pilesync/pilesync/internal/logging"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/ui"
)

var (
	configFile string
	dataDir    string
	logLevel   string
	jsonOutput bool

	cleanups []func()
)

var rootCmd = &cobra.Command{
	Use:   "pile",
	Short: "Sync piles of markdown posts with a remote store",
	Long: `pile keeps a folder of markdown posts (a pile) in sync with a remote
relational store. Edits made offline are queued and pushed later; remote
changes are pulled into the folder; concurrent edits become conflicts you
resolve by hand.

Most commands take the pile directory as an optional argument and default
to the current directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "conflicts", Title: "Conflicts and attachments:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: $PILESYNC_CONFIG, <data dir>/config.toml or ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "application data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
}

func main() {
	err := rootCmd.Execute()
	runCleanups()
	if err != nil {
		os.Exit(1)
	}
}

// onExit registers fn to run before the process exits, last first.
func onExit(fn func()) {
	cleanups = append(cleanups, fn)
}

func runCleanups() {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	cleanups = nil
}

// fatalf prints an error, runs cleanups and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	runCleanups()
	os.Exit(1)
}

// loadConfig reads the configuration and installs the logger.
func loadConfig() *config.Config {
	cfg, err := config.Load(config.Options{ConfigFile: configFile, DataDir: dataDir})
	if err != nil {
		fatalf("%v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    consoleFor(cfg.Log.Level),
	})
	if err != nil {
		fatalf("%v", err)
	}
	onExit(func() { _ = closer.Close() })
	slog.SetDefault(logger)
	return cfg
}

// consoleFor keeps routine records in the log file only, unless the user
// asked for debug output.
func consoleFor(level string) io.Writer {
	if logLevel == "debug" || level == "debug" {
		return os.Stderr
	}
	return io.Discard
}

// session is an opened engine with the collaborators commands may need.
type session struct {
	cfg    *config.Config
	engine *engine.Engine
	blobs  blob.Store
	logger *slog.Logger
}

// openSession loads config and opens the remote store, the blob store and
// the engine. Everything is closed on exit.
func openSession(ctx context.Context) *session {
	cfg := loadConfig()
	logger := slog.Default()

	store, err := remote.Open(ctx, remote.Config{
		Driver:      cfg.Remote.Driver,
		DSN:         cfg.Remote.DSN,
		AutoMigrate: cfg.Remote.AutoMigrate,
		Logger:      logger,
	})
	if err != nil {
		fatalf("failed to open remote store: %v", err)
	}
	onExit(func() { _ = store.Close() })

	blobs, err := blob.NewFromConfig(ctx, blob.Config{
		Type:          cfg.Blob.Type,
		Root:          cfg.Blob.Root,
		SigningSecret: cfg.Blob.SigningSecret,
		BaseURL:       cfg.Blob.BaseURL,
		S3Bucket:      cfg.Blob.S3Bucket,
		S3Region:      cfg.Blob.S3Region,
		S3Prefix:      cfg.Blob.S3Prefix,
		S3Endpoint:    cfg.Blob.S3Endpoint,
		URLTTL:        cfg.Blob.URLTTL,
	})
	if err != nil {
		fatalf("failed to open blob store: %v", err)
	}

	var limiter *rate.Limiter
	if cfg.Remote.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Remote.RateLimit), cfg.Remote.Burst)
	}

	e, err := engine.New(engine.Config{
		DataDir:           cfg.DataDir,
		Remote:            store,
		Blobs:             blobs,
		UserID:            cfg.Remote.UserID,
		Limiter:           limiter,
		PushBatch:         cfg.Sync.PushBatch,
		PushWorkers:       cfg.Sync.PushWorkers,
		PullBatch:         cfg.Sync.PullBatch,
		AttachmentWorkers: cfg.Sync.AttachmentWorkers,
		MaxRetries:        cfg.Sync.MaxRetries,
		RetryBase:         cfg.Sync.RetryBase,
		FileDebounce:      cfg.Sync.FileDebounce,
		PushDebounce:      cfg.Sync.PushDebounce,
		URLTTL:            cfg.Blob.URLTTL,
		Logger:            logger,
	})
	if err != nil {
		fatalf("failed to start engine: %v", err)
	}
	onExit(func() { _ = e.Close() })

	return &session{cfg: cfg, engine: e, blobs: blobs, logger: logger}
}

// pileArg returns the pile directory from args, defaulting to the working
// directory.
func pileArg(args []string) string {
	p := "."
	if len(args) > 0 {
		p = args[0]
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		fatalf("failed to resolve pile path: %v", err)
	}
	return abs
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}
