package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/loadtest"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure remote store latency under concurrent pulls",
	Long: `Populate a throwaway remote store and have many simulated devices page
through it concurrently, the way 'pile sync' pulls.

By default the store is a fresh SQLite file in a temp directory. Pass --dsn
(and --driver) to load a scratch database of your own; a new pile is
created in it and left behind.

Examples:
  # 50 devices pulling 1000 posts
  pile loadtest

  # Mix in writers for ten seconds and check page ordering
  pile loadtest --writers 4 --duration 10s`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		posts, _ := cmd.Flags().GetInt("posts")
		readers, _ := cmd.Flags().GetInt("readers")
		page, _ := cmd.Flags().GetInt("page")
		writers, _ := cmd.Flags().GetInt("writers")
		duration, _ := cmd.Flags().GetDuration("duration")
		driver, _ := cmd.Flags().GetString("driver")
		dsn, _ := cmd.Flags().GetString("dsn")

		if posts <= 0 || readers <= 0 || page <= 0 {
			fatalf("--posts, --readers and --page must be positive")
		}
		if writers < 0 {
			fatalf("--writers cannot be negative")
		}

		ctx := cmd.Context()
		cfg := loadConfig()

		if dsn == "" {
			dir, err := os.MkdirTemp("", "pile-loadtest-*")
			if err != nil {
				fatalf("%v", err)
			}
			onExit(func() { _ = os.RemoveAll(dir) })
			driver, dsn = remote.DriverSQLite, filepath.Join(dir, "remote.db")
		}

		store, err := remote.Open(ctx, remote.Config{Driver: driver, DSN: dsn, AutoMigrate: true})
		if err != nil {
			fatalf("failed to open store: %v", err)
		}
		onExit(func() { _ = store.Close() })

		if !jsonOutput {
			fmt.Printf("%s Populating %d posts...\n", ui.RenderAccent("⟳"), posts)
		}
		ds, err := loadtest.Populate(ctx, store, uuid.NewString(), cfg.Remote.UserID, posts)
		if err != nil {
			fatalf("%v", err)
		}

		if !jsonOutput {
			fmt.Printf("%s %d readers pulling in pages of %d...\n", ui.RenderAccent("⟳"), readers, page)
		}
		start := time.Now()
		stats, err := ds.RunConcurrentPulls(ctx, readers, page)
		if err != nil {
			fatalf("%v", err)
		}
		elapsed := time.Since(start)

		var writes int
		if writers > 0 {
			if !jsonOutput {
				fmt.Printf("%s %d readers and %d writers for %v...\n", ui.RenderAccent("⟳"), readers, writers, duration)
			}
			if writes, err = ds.VerifyConsistency(ctx, readers, writers, duration); err != nil {
				fatalf("consistency check failed: %v", err)
			}
		}

		if jsonOutput {
			printJSON(map[string]any{
				"posts":   posts,
				"readers": readers,
				"page":    page,
				"elapsed": elapsed.String(),
				"stats":   stats,
				"writes":  writes,
			})
			return
		}
		fmt.Println()
		stats.Print(os.Stdout)
		fmt.Printf("\n%s Pulled %d posts %d times in %v\n", ui.RenderPass("✓"), posts, readers, elapsed.Round(time.Millisecond))
		if writers > 0 {
			fmt.Printf("%s %d guarded writes, every page in order\n", ui.RenderPass("✓"), writes)
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("posts", 1000, "posts in the test pile")
	loadtestCmd.Flags().Int("readers", 50, "concurrent pulling devices")
	loadtestCmd.Flags().Int("page", 200, "rows per page")
	loadtestCmd.Flags().Int("writers", 0, "concurrent editing devices for the consistency check")
	loadtestCmd.Flags().Duration("duration", 5*time.Second, "consistency check length")
	loadtestCmd.Flags().String("driver", remote.DriverSQLite, "store driver for --dsn")
	loadtestCmd.Flags().String("dsn", "", "scratch database (default: temp SQLite file)")
	rootCmd.AddCommand(loadtestCmd)
}
