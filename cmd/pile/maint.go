package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/migrate"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/ui"
)

var rescanCmd = &cobra.Command{
	Use:     "rescan [pile]",
	GroupID: "maint",
	Short:   "Queue every post of a pile for push",
	Long: `Queue an upsert for every post of the pile. Use it after editing posts
while nothing was watching, then run 'pile sync'.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSession(cmd.Context())
		n, err := s.engine.Rescan(pileArg(args))
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]int{"queued": n})
			return
		}
		fmt.Printf("%s Queued %d post(s)\n", ui.RenderPass("✓"), n)
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "maint",
	Short:   "Inspect or clear queued operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list [pile]",
	Short: "List queued operations, failed ones included",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSession(cmd.Context())
		ops, err := s.engine.QueuedOperations(pileArg(args))
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			if ops == nil {
				ops = []queue.Operation{}
			}
			printJSON(ops)
			return
		}
		if len(ops) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}
		now := time.Now()
		for _, op := range ops {
			target := op.PostID
			if target == "" {
				target = op.FilePath
			}
			fmt.Printf("%s %s  %s\n", ui.RenderAccent(string(op.Type)), target, ui.RenderMuted("queued "+ui.Ago(op.CreatedAt, now)))
			if op.LastError != "" {
				fmt.Printf("   %s after %d attempt(s): %s\n", ui.RenderFail("failed"), op.RetryCount, op.LastError)
			}
		}
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear [pile]",
	Short: "Drop every queued operation of a pile",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSession(cmd.Context())
		n, err := s.engine.ClearQueue(pileArg(args))
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]int{"removed": n})
			return
		}
		fmt.Printf("%s Removed %d operation(s)\n", ui.RenderPass("✓"), n)
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate [pile]",
	GroupID: "maint",
	Short:   "Give every post a UUID identity",
	Long: `Rename posts without a UUID identity to <uuid>.md, rewrite their
frontmatter and move their attachment folders. Renamed posts are queued
for push.

Use --dry-run to preview and --backup to copy the originals to
.pile/backup-<timestamp>/ first.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx := cmd.Context()
		s := openSession(ctx)
		res, err := s.engine.Migrate(ctx, pileArg(args), migrate.Options{DryRun: dryRun, Backup: backup})
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}

		verb := "Migrated"
		if dryRun {
			verb = "Would migrate"
		}
		for _, r := range res.Renames {
			fmt.Printf("   %s → %s\n", r.OldID, r.NewID)
		}
		fmt.Printf("%s %s %d of %d post(s), %d already migrated\n", ui.RenderPass("✓"), verb, res.Migrated, res.Scanned, res.Skipped)
		if res.AttachmentsMoved > 0 {
			fmt.Printf("   Moved %d attachment folder(s)\n", res.AttachmentsMoved)
		}
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "preview without writing")
	migrateCmd.Flags().Bool("backup", false, "copy original files before renaming")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(migrateCmd)
}
