package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/ui"
)

var attachCmd = &cobra.Command{
	Use:     "attach",
	GroupID: "conflicts",
	Short:   "Upload, list and fetch post attachments",
}

var attachUploadCmd = &cobra.Command{
	Use:   "upload <post-id> <file> [pile]",
	Short: "Upload a file as an attachment of a post",
	Long: `Upload a file to the blob store and catalog it under the post.

Uploading the same content again is a no-op.`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openSession(ctx)
		a, err := s.engine.UploadAttachment(ctx, pileArg(args[2:]), args[0], args[1])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(a)
			return
		}
		fmt.Printf("%s Uploaded %s (%s)\n", ui.RenderPass("✓"), a.Filename, formatSize(a.Size))
		fmt.Printf("   Stored at %s\n", a.StoragePath)
	},
}

var attachListCmd = &cobra.Command{
	Use:   "list <post-id>",
	Short: "List the attachments of a post",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openSession(ctx)
		atts, err := s.engine.ListAttachments(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			if atts == nil {
				atts = []*remote.Attachment{}
			}
			printJSON(atts)
			return
		}
		if len(atts) == 0 {
			fmt.Println("No attachments")
			return
		}
		now := time.Now()
		for _, a := range atts {
			fmt.Printf("%s  %s  %s  %s\n", a.Filename, formatSize(a.Size), a.MimeType, ui.RenderMuted(ui.Ago(a.UpdatedAt, now)))
			fmt.Printf("   %s\n", ui.RenderMuted(a.StoragePath))
		}
	},
}

var attachDownloadCmd = &cobra.Command{
	Use:   "download <post-id> <storage-path> [pile]",
	Short: "Download an attachment into the pile",
	Args:  cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		hash, _ := cmd.Flags().GetString("hash")
		ctx := cmd.Context()
		s := openSession(ctx)
		local, err := s.engine.DownloadAttachment(ctx, pileArg(args[2:]), args[0], args[1], hash)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]string{"path": local})
			return
		}
		fmt.Printf("%s Downloaded to %s\n", ui.RenderPass("✓"), local)
	},
}

var attachURLCmd = &cobra.Command{
	Use:   "url <storage-path>",
	Short: "Print a signed, expiring URL for an attachment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		ctx := cmd.Context()
		s := openSession(ctx)
		url, err := s.engine.AttachmentURL(ctx, args[0], ttl)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]string{"url": url})
			return
		}
		fmt.Println(url)
	},
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	attachDownloadCmd.Flags().String("hash", "", "expected content hash; the download is rejected on mismatch")
	attachURLCmd.Flags().Duration("ttl", 0, "URL lifetime (default: blob.url_ttl)")

	attachCmd.AddCommand(attachUploadCmd)
	attachCmd.AddCommand(attachListCmd)
	attachCmd.AddCommand(attachDownloadCmd)
	attachCmd.AddCommand(attachURLCmd)
	rootCmd.AddCommand(attachCmd)
}
