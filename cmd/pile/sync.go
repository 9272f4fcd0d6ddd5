package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/dashboard"
	"github.com/pilesync/pilesync/internal/engine"
	psync "github.com/pilesync/pilesync/internal/sync"
	"github.com/pilesync/pilesync/internal/ui"
)

var linkCmd = &cobra.Command{
	Use:     "link [pile]",
	GroupID: "sync",
	Short:   "Link a pile to a remote pile",
	Long: `Link the pile to a remote pile record, creating the record if needed.

Without --remote-id an existing link is kept, or a new remote pile is
created. Pass the id of a pile linked on another device to share it.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		remoteID, _ := cmd.Flags().GetString("remote-id")
		ctx := cmd.Context()
		s := openSession(ctx)
		pile := pileArg(args)

		cp, err := s.engine.Link(ctx, pile, remoteID)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Linked %s\n", ui.RenderPass("✓"), pile)
		fmt.Printf("   Remote pile: %s\n", cp.RemotePileID)
		fmt.Printf("   Run 'pile sync' to push existing posts\n")
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink [pile]",
	GroupID: "sync",
	Short:   "Unlink a pile and drop its queued operations",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSession(cmd.Context())
		pile := pileArg(args)
		if err := s.engine.Unlink(pile); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Unlinked %s\n", ui.RenderPass("✓"), pile)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync [pile]",
	GroupID: "sync",
	Short:   "Pull remote changes and push queued local changes",
	Long: `Run one sync of the pile.

  --mode pull   fetch remote changes since the last checkpoint
  --mode push   send queued local operations
  --mode both   pull, then push (default)

Run 'pile rescan' first to queue posts edited while nothing was watching.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode, err := psync.ParseMode(modeFlag)
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		s := openSession(ctx)
		pile := pileArg(args)

		if !jsonOutput {
			fmt.Printf("%s Syncing %s (%s)...\n", ui.RenderAccent("⟳"), pile, mode)
		}
		start := time.Now()
		res, err := s.engine.Sync(ctx, pile, mode)
		if res == nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(dashboard.NewSyncResponse(res))
			if err != nil {
				runCleanups()
				os.Exit(1)
			}
			return
		}

		printSyncResult(res, time.Since(start))
		if err != nil {
			fatalf("%v", err)
		}
	},
}

func printSyncResult(res *psync.Result, elapsed time.Duration) {
	if res.Pull != nil {
		p := res.Pull
		fmt.Printf("   Pulled: %d written, %d unchanged, %d trashed (%d rows)\n", p.Written, p.Unchanged, p.Trashed, p.Rows)
		if p.Attachments.Downloaded > 0 || p.Attachments.Failed > 0 {
			fmt.Printf("   Attachments: %d downloaded, %d failed\n", p.Attachments.Downloaded, p.Attachments.Failed)
		}
	}
	if res.Push != nil {
		p := res.Push
		fmt.Printf("   Pushed: %d changed, %d skipped, %d deferred, %d failed\n", p.Pushed, p.Skipped, p.Deferred, p.Failed)
	}
	if n := len(res.Conflicts()); n > 0 {
		fmt.Printf("%s %d conflict(s) need attention: run 'pile conflicts list'\n", ui.RenderWarn("⚠"), n)
	}
	fmt.Printf("%s Sync finished in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
}

var statusCmd = &cobra.Command{
	Use:     "status [pile]",
	GroupID: "sync",
	Short:   "Show the sync status of a pile",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSession(cmd.Context())
		st, err := s.engine.Status(pileArg(args))
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(st)
			return
		}
		printStatus(st, time.Now())
	},
}

func printStatus(st *engine.Status, now time.Time) {
	fmt.Printf("\n%s %s\n\n", ui.RenderAccent("●"), ui.RenderHeader(st.Pile))
	if !st.Linked {
		fmt.Printf("%s Not linked. Run 'pile link' first.\n\n", ui.RenderWarn("⚠"))
		return
	}
	fmt.Println(ui.Field("Remote pile", st.RemotePileID))
	fmt.Println(ui.Field("Last pull", ui.Ago(st.LastPulledAt, now)))
	fmt.Println(ui.Field("Last push", ui.Ago(st.LastPushedAt, now)))
	fmt.Println(ui.Field("Queued", st.QueueLength))
	if st.FailedOps > 0 {
		fmt.Println(ui.Field("Failed", ui.RenderFail(fmt.Sprint(st.FailedOps))+" (see 'pile queue list')"))
	}
	conflicts := fmt.Sprint(st.ActiveConflicts)
	if st.ActiveConflicts > 0 {
		conflicts = ui.RenderWarn(conflicts)
	}
	fmt.Println(ui.Field("Conflicts", conflicts))
	if st.LastError != "" {
		fmt.Println(ui.Field("Last error", ui.RenderFail(st.LastError)+" "+ui.RenderMuted(ui.Ago(st.LastErrorAt, now))))
	}
	fmt.Println()
}

var watchCmd = &cobra.Command{
	Use:     "watch [pile]",
	GroupID: "sync",
	Short:   "Watch a pile and sync changes continuously",
	Long: `Watch the pile in the foreground. Local edits are queued and pushed
after a short debounce; remote changes are pulled on start and every
--pull-interval.

With --dashboard an HTTP server exposes status, control routes and a
WebSocket event stream at ws://<host>:<port>/ws.

Press Ctrl+C to stop.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		interval, _ := cmd.Flags().GetDuration("pull-interval")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s := openSession(ctx)
		pile := pileArg(args)

		if err := s.engine.Watch(ctx, pile); err != nil {
			if errors.Is(err, engine.ErrPileLocked) {
				fatalf("%v (is another 'pile watch' running?)", err)
			}
			fatalf("%v", err)
		}
		if err := s.engine.TriggerSync(pile); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Watching %s\n", ui.RenderAccent("👁"), pile)
		if withDashboard {
			if !cmd.Flags().Changed("port") {
				port = s.cfg.Dashboard.Port
			}
			server := startDashboard(ctx, s, port)
			defer server.Stop()
		} else {
			go printEvents(ctx, s.engine.Events())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopping...")
				return
			case <-tick:
				if err := s.engine.TriggerSync(pile); err != nil {
					s.logger.Warn("periodic sync failed", "pile", pile, "error", err)
				}
			}
		}
	},
}

// startDashboard serves the engine and relays its events. Signed blob URLs
// are served when the blob backend is the local filesystem.
func startDashboard(ctx context.Context, s *session, port int) *dashboard.Server {
	config := &dashboard.Config{
		Host:   s.cfg.Dashboard.Host,
		Port:   port,
		Engine: s.engine,
		Logger: s.logger.With("component", "dashboard"),
	}
	if fs, ok := s.blobs.(*blob.FileSystemStore); ok {
		config.Blobs = fs
	}

	server := dashboard.NewServer(config)
	if err := server.Start(); err != nil {
		fatalf("failed to start dashboard: %v", err)
	}
	handler := dashboard.NewHandler(server, s.engine, config.Logger)
	go handler.Run(ctx, s.engine.Events())

	addr := server.GetAddr()
	fmt.Printf("   Dashboard: http://%s\n", addr)
	fmt.Printf("   WebSocket: ws://%s/ws\n", addr)
	return server
}

// printEvents prints engine events as one line each.
func printEvents(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			stamp := ui.RenderMuted(ev.Time.Local().Format(time.TimeOnly))
			switch ev.Type {
			case engine.EventSyncComplete:
				sum, _ := ev.Data.(engine.SyncSummary)
				fmt.Printf("%s %s %s pulled %d, pushed %d, conflicts %d, failed %d\n",
					stamp, ui.RenderPass("✓"), sum.Mode, sum.Pulled, sum.Pushed, sum.Conflicts, sum.Failed)
			case engine.EventSyncError:
				fmt.Printf("%s %s sync failed: %v\n", stamp, ui.RenderFail("✗"), ev.Data)
			case engine.EventConflictDetected:
				c, _ := ev.Data.(engine.ConflictData)
				fmt.Printf("%s %s conflict on %s (%s)\n", stamp, ui.RenderWarn("⚠"), c.PostID, c.Type)
			case engine.EventQueueChanged:
				q, _ := ev.Data.(engine.QueueData)
				fmt.Printf("%s %s %d queued\n", stamp, ui.RenderMuted("·"), q.Length)
			}
		}
	}
}

func init() {
	linkCmd.Flags().String("remote-id", "", "id of an existing remote pile")
	syncCmd.Flags().String("mode", "both", "pull, push or both")
	watchCmd.Flags().Bool("dashboard", false, "serve the dashboard while watching")
	watchCmd.Flags().IntP("port", "p", 8080, "dashboard port (default: dashboard.port)")
	watchCmd.Flags().Duration("pull-interval", 5*time.Minute, "pull remote changes this often; 0 disables")

	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}
