package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "conflicts",
	Short:   "List, inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list [pile]",
	Short: "List conflicts of a pile",
	Long: `List the active conflicts of a pile, oldest first.

  --all      include resolved conflicts
  --since    only conflicts detected after a time ("2 days ago",
             "last monday", "48h" or an RFC3339 timestamp)`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		sinceFlag, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceFlag != "" {
			var err error
			if since, err = parseSince(sinceFlag, time.Now()); err != nil {
				fatalf("%v", err)
			}
		}

		s := openSession(cmd.Context())
		conflicts, err := s.engine.ListConflicts(pileArg(args), all)
		if err != nil {
			fatalf("%v", err)
		}
		if !since.IsZero() {
			kept := conflicts[:0]
			for _, c := range conflicts {
				if c.DetectedAt.After(since) {
					kept = append(kept, c)
				}
			}
			conflicts = kept
		}

		if jsonOutput {
			if conflicts == nil {
				conflicts = []*conflict.Conflict{}
			}
			printJSON(conflicts)
			return
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		now := time.Now()
		for _, c := range conflicts {
			marker := ui.RenderWarn("⚠")
			if c.Status == conflict.StatusResolved {
				marker = ui.RenderPass("✓")
			}
			fmt.Printf("%s %s  %s  %s\n", marker, c.PostID, c.Type, ui.RenderMuted("detected "+ui.Ago(c.DetectedAt, now)))
			if c.Status == conflict.StatusResolved {
				fmt.Printf("   resolved with %s %s\n", c.Resolution, ui.RenderMuted(ui.Ago(c.ResolvedAt, now)))
			}
		}
		fmt.Printf("\n%d conflict(s). Inspect with 'pile conflicts show <post-id>'\n", len(conflicts))
	},
}

// parseSince accepts natural language ("yesterday", "3 days ago"), a Go
// duration counted back from now, or an RFC3339 timestamp.
func parseSince(text string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no time found", text)
	}
	return r.Time, nil
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <post-id> [pile]",
	Short: "Show both versions of a conflicted post",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		postID, pile, err := conflictTarget(args)
		if err != nil {
			fatalf("%v", err)
		}
		s := openSession(cmd.Context())
		in, err := s.engine.InspectConflict(pile, postID)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]any{
				"conflict":      in.Conflict,
				"localContent":  in.Conflict.LocalContent,
				"remoteContent": in.Conflict.RemoteContent,
				"patch":         in.Patch,
			})
			return
		}

		c := in.Conflict
		fmt.Printf("\n%s %s\n\n", ui.RenderWarn("⚠"), ui.RenderHeader(c.PostID))
		fmt.Println(ui.Field("Type", c.Type))
		fmt.Println(ui.Field("Local", c.LocalUpdatedAt.Local().Format(time.DateTime)))
		fmt.Println(ui.Field("Remote", c.RemoteUpdatedAt.Local().Format(time.DateTime)))
		if c.RemoteNewer() {
			fmt.Println(ui.Field("Newer", "remote"))
		} else {
			fmt.Println(ui.Field("Newer", "local"))
		}
		fmt.Printf("\n%s\n", ui.RenderMuted("--- local  +++ remote"))
		fmt.Println(ui.RenderDiffs(in.Diffs))
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <post-id> [pile]",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping one side or supplying merged content.

  --choice local    restore the local version and queue it
  --choice remote   write the remote version into the pile
  --choice merged   write --merged-file (or stdin with '-') and queue it

Without --choice an interactive terminal prompts for one.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		choiceFlag, _ := cmd.Flags().GetString("choice")
		mergedFile, _ := cmd.Flags().GetString("merged-file")

		postID, pile, err := conflictTarget(args)
		if err != nil {
			fatalf("%v", err)
		}
		s := openSession(cmd.Context())

		var res conflict.Resolution
		switch {
		case choiceFlag != "":
			if res, err = resolutionFromFlags(choiceFlag, mergedFile, readMerged); err != nil {
				fatalf("%v", err)
			}
		case ui.IsInteractive():
			in, err := s.engine.InspectConflict(pile, postID)
			if err != nil {
				fatalf("%v", err)
			}
			if res, err = promptResolution(in); err != nil {
				fatalf("%v", err)
			}
		default:
			fatalf("--choice is required when not running in a terminal")
		}

		c, err := s.engine.ResolveConflict(pile, postID, res)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(c)
			return
		}
		fmt.Printf("%s Resolved %s with %s\n", ui.RenderPass("✓"), c.PostID, c.Resolution)
		if c.Resolution != conflict.ChoiceRemote {
			fmt.Printf("   The post is queued; run 'pile sync' to push it\n")
		}
	},
}

// conflictTarget splits "<post-id> [pile]" arguments.
func conflictTarget(args []string) (postID, pile string, err error) {
	if len(args) == 0 {
		return "", "", errors.New("a post id is required")
	}
	if err := schema.CheckPostID(args[0]); err != nil {
		return "", "", err
	}
	return args[0], pileArg(args[1:]), nil
}

// resolutionFromFlags maps --choice and --merged-file to a resolution.
// readFile loads merged content and is only called for a merged choice.
func resolutionFromFlags(choiceFlag, mergedFile string, readFile func(string) (string, error)) (conflict.Resolution, error) {
	choice, err := conflict.ParseChoice(strings.ToLower(strings.TrimSpace(choiceFlag)))
	if err != nil {
		return conflict.Resolution{}, err
	}
	res := conflict.Resolution{Choice: choice}
	if choice != conflict.ChoiceMerged {
		return res, nil
	}
	if mergedFile == "" {
		return conflict.Resolution{}, errors.New("--choice merged requires --merged-file")
	}
	if res.MergedContent, err = readFile(mergedFile); err != nil {
		return conflict.Resolution{}, err
	}
	if strings.TrimSpace(res.MergedContent) == "" {
		return conflict.Resolution{}, errors.New("merged content is empty")
	}
	return res, nil
}

// promptResolution asks for a choice, and for merged content when the user
// picks merge.
func promptResolution(in *conflict.Inspection) (conflict.Resolution, error) {
	fmt.Println(ui.RenderDiffs(in.Diffs))

	var choice string
	err := huh.NewSelect[string]().
		Title(fmt.Sprintf("Resolve %s", in.Conflict.PostID)).
		Options(
			huh.NewOption("Keep local", string(conflict.ChoiceLocal)),
			huh.NewOption("Take remote", string(conflict.ChoiceRemote)),
			huh.NewOption("Write merged content", string(conflict.ChoiceMerged)),
		).
		Value(&choice).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return conflict.Resolution{}, errors.New("resolution cancelled")
		}
		return conflict.Resolution{}, err
	}

	res := conflict.Resolution{Choice: conflict.Choice(choice)}
	if res.Choice != conflict.ChoiceMerged {
		return res, nil
	}

	merged := in.Conflict.LocalContent
	err = huh.NewText().
		Title("Merged content").
		Lines(20).
		Value(&merged).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("merged content is empty")
			}
			return nil
		}).
		Run()
	if err != nil {
		return conflict.Resolution{}, err
	}
	res.MergedContent = merged
	return res, nil
}

func readMerged(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read merged content: %w", err)
	}
	return string(data), nil
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved conflicts")
	conflictsListCmd.Flags().String("since", "", "only conflicts detected after this time")
	conflictsResolveCmd.Flags().String("choice", "", "local, remote or merged")
	conflictsResolveCmd.Flags().String("merged-file", "", "file holding merged content ('-' for stdin)")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
