// Package migrate converts piles written before posts carried UUID
// identities. Every post without a UUID gets one, is renamed to <uuid>.md,
// and takes its attachment folder along.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pilesync/pilesync/internal/schema"
)

// Options contains configuration for the migration
type Options struct {
	DryRun bool // Preview without writing
	Backup bool // Copy original files to .pile/backup-<timestamp>/ first
}

// Rename records one migrated post.
type Rename struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Result contains statistics about the migration
type Result struct {
	Scanned          int
	Migrated         int
	Skipped          int
	AttachmentsMoved int
	Renames          []Rename
	BackupCreated    string
	Errors           []string
}

// ToUUID assigns UUID identities to every post of the pile that lacks one.
// Files whose frontmatter cannot be parsed are reported and left alone.
func ToUUID(ctx context.Context, pilePath string, opts Options) (*Result, error) {
	if info, err := os.Stat(pilePath); err != nil {
		return nil, fmt.Errorf("pile does not exist: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("pile %s is not a directory", pilePath)
	}

	paths, err := schema.ListPostFiles(pilePath)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if opts.Backup && !opts.DryRun {
		result.BackupCreated = schema.MetaPath(pilePath, "backup-"+time.Now().Format("20060102-150405"))
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		post, modTime, err := schema.ReadPost(path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if schema.IsUUID(post.ID) {
			result.Skipped++
			continue
		}

		stem := schema.PostIDFromPath(path)
		oldID := post.ID
		if oldID == "" {
			oldID = stem
		}
		newID := stem
		if !schema.IsUUID(newID) {
			newID = schema.NewID()
		}
		target := filepath.Join(filepath.Dir(path), newID+schema.PostExt)
		if target != path {
			if _, err := os.Stat(target); err == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("cannot rename %s: %s already exists", path, target))
				continue
			}
		}

		rename := Rename{OldID: oldID, NewID: newID, From: path, To: target}
		if opts.DryRun {
			result.Migrated++
			result.Renames = append(result.Renames, rename)
			continue
		}

		if result.BackupCreated != "" {
			if err := backup(pilePath, result.BackupCreated, path); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
		}

		if err := rewrite(post, modTime, newID, path, target); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to migrate %s: %v", path, err))
			continue
		}
		result.Migrated++
		result.Renames = append(result.Renames, rename)

		// Attachment folders were keyed by the old id or, lacking one, the stem.
		for _, old := range []string{oldID, stem} {
			moved, err := moveAttachments(pilePath, old, newID)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			if moved {
				result.AttachmentsMoved++
				break
			}
		}
	}

	return result, nil
}

// rewrite writes post under its new identity to target and removes the
// original file.
func rewrite(post *schema.Post, modTime time.Time, id, path, target string) error {
	post.UpdatedAt = post.EffectiveUpdatedAt(modTime)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = post.UpdatedAt
	}
	post.ID = id
	post.Etag = post.ContentEtag()

	if err := schema.WritePost(target, post); err != nil {
		return err
	}
	if target == path {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove original: %w", err)
	}
	return nil
}

// moveAttachments renames attachments/<oldID>/ to attachments/<newID>/.
func moveAttachments(pilePath, oldID, newID string) (bool, error) {
	if oldID == "" || oldID == newID {
		return false, nil
	}
	src := filepath.Join(pilePath, schema.AttachmentsDir, oldID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	}
	dst := filepath.Join(pilePath, schema.AttachmentsDir, newID)
	if _, err := os.Stat(dst); err == nil {
		return false, fmt.Errorf("cannot move attachments of %s: %s already exists", oldID, dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("failed to move attachments of %s: %w", oldID, err)
	}
	return true, nil
}

func backup(pilePath, backupDir, path string) error {
	rel, err := filepath.Rel(pilePath, path)
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	// #nosec G304 - path comes from the pile tree
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s for backup: %w", path, err)
	}
	if err := schema.WriteFileAtomic(filepath.Join(backupDir, rel), data, 0600); err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	return nil
}
