package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/config"
	"github.com/pilesync/pilesync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage the pile configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a commented default config.toml. Without a path the file goes to
the data directory. An existing file is never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := dataDir
		if dir == "" {
			dir = os.Getenv(config.EnvPrefix + "_DATA_DIR")
		}
		if dir == "" {
			var err error
			if dir, err = config.DefaultDataDir(); err != nil {
				fatalf("%v", err)
			}
		}

		path := filepath.Join(dir, config.FileName)
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.Init(path, dir); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if jsonOutput {
			redacted := *cfg
			if redacted.Blob.SigningSecret != "" {
				redacted.Blob.SigningSecret = "<set>"
			}
			printJSON(redacted)
			return
		}

		file := cfg.File
		if file == "" {
			file = ui.RenderMuted("none (defaults and environment)")
		}
		fmt.Println(ui.RenderHeader("Configuration"))
		fmt.Println(ui.Field("File", file))
		fmt.Println(ui.Field("Data dir", cfg.DataDir))
		fmt.Println(ui.Field("Log", fmt.Sprintf("%s → %s", cfg.Log.Level, cfg.LogFile())))
		fmt.Println(ui.Field("Remote", fmt.Sprintf("%s %s (user %s)", cfg.Remote.Driver, cfg.Remote.DSN, cfg.Remote.UserID)))
		switch cfg.Blob.Type {
		case "s3":
			fmt.Println(ui.Field("Blobs", fmt.Sprintf("s3://%s/%s", cfg.Blob.S3Bucket, cfg.Blob.S3Prefix)))
		default:
			fmt.Println(ui.Field("Blobs", fmt.Sprintf("%s %s", cfg.Blob.Type, cfg.Blob.Root)))
		}
		fmt.Println(ui.Field("Push", fmt.Sprintf("batch %d, %d workers, debounce %v", cfg.Sync.PushBatch, cfg.Sync.PushWorkers, cfg.Sync.PushDebounce)))
		fmt.Println(ui.Field("Pull", fmt.Sprintf("batch %d, %d attachment workers", cfg.Sync.PullBatch, cfg.Sync.AttachmentWorkers)))
		fmt.Println(ui.Field("Retries", fmt.Sprintf("%d, base %v", cfg.Sync.MaxRetries, cfg.Sync.RetryBase)))
		fmt.Println(ui.Field("Dashboard", fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)))
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
