package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/attachment"
	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/schema"
)

// PullConfig configures a Puller.
type PullConfig struct {
	Remote remote.Store
	// Attachments downloads the attachments of pulled posts. Nil skips them.
	Attachments *attachment.Manager
	BatchSize   int
	Limiter     *rate.Limiter
	Clock       clock.Clock
	Logger      *slog.Logger
}

// PullResult summarizes one pull.
type PullResult struct {
	Rows int
	// Written counts post files created or replaced with remote content.
	Written int
	// Unchanged counts rows whose content already matched the local file.
	Unchanged int
	// Trashed counts local files moved to trash for remote tombstones.
	Trashed int
	// Kept counts conflicted posts whose newer local content was kept.
	Kept        int
	Conflicts   []*conflict.Conflict
	Attachments attachment.PullResult
	Errors      []error
	// Cursor is the checkpoint position after the pull.
	Cursor remote.Cursor
}

// Puller applies remote changes to a pile.
type Puller struct {
	remote      remote.Store
	attachments *attachment.Manager
	batch       int
	limiter     *rate.Limiter
	clock       clock.Clock
	logger      *slog.Logger
}

// NewPuller creates a Puller.
func NewPuller(cfg PullConfig) *Puller {
	p := &Puller{
		remote:      cfg.Remote,
		attachments: cfg.Attachments,
		batch:       cfg.BatchSize,
		limiter:     cfg.Limiter,
		clock:       clock.Or(cfg.Clock),
		logger:      cfg.Logger,
	}
	if p.batch <= 0 {
		p.batch = DefaultBatchSize
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Pull fetches remote rows after the pile's cursor, batch by batch, and
// applies them to the local tree.
//
// Rows that fail with an integrity error are skipped for good. Any other
// failure pins the cursor before the failed row so the row is fetched
// again next time; the rest of the batch is still applied and the pull
// stops after it.
func (p *Puller) Pull(ctx context.Context, pile *Pile) (*PullResult, error) {
	cp, err := pile.State.Linked()
	if err != nil {
		return nil, err
	}

	cursor := remote.Cursor{UpdatedAt: cp.LastPulledAt, ID: cp.LastPulledID}
	result := &PullResult{Cursor: cursor}

	index, err := schema.IndexPile(pile.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to index pile: %w", err)
	}

	for {
		if err := wait(ctx, p.limiter); err != nil {
			return result, err
		}
		rows, err := p.remote.ListPostsSince(ctx, cp.RemotePileID, cursor, p.batch)
		if err != nil {
			return result, fmt.Errorf("failed to list remote posts: %w", err)
		}
		result.Rows += len(rows)

		next := cursor
		blocked := false
		var live []string
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				blocked = true
				break
			}
			err := p.apply(pile, index, row, result)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("post %s: %w", row.ID, err))
				if IsIntegrity(err) {
					p.logger.Warn("skipping untrusted post", "pile", pile.Path, "post", row.ID, "error", err)
				} else {
					p.logger.Error("failed to apply remote post", "pile", pile.Path, "post", row.ID, "error", err)
					blocked = true
				}
			}
			if !blocked {
				next = remote.Cursor{UpdatedAt: row.UpdatedAt, ID: row.ID}
			}
			if err == nil && !row.Deleted() {
				live = append(live, row.ID)
			}
		}

		if next != cursor {
			if _, err := pile.State.AdvancePull(next.UpdatedAt, next.ID); err != nil {
				return result, err
			}
			result.Cursor = next
		}

		if p.attachments != nil && len(live) > 0 {
			ar := p.attachments.PullForPosts(ctx, attachment.Pile{Path: pile.Path, RemoteID: cp.RemotePileID}, live)
			result.Attachments.Downloaded += ar.Downloaded
			result.Attachments.Skipped += ar.Skipped
			result.Attachments.Failed += ar.Failed
			result.Attachments.Errors = append(result.Attachments.Errors, ar.Errors...)
		}

		if blocked || len(rows) < p.batch || ctx.Err() != nil {
			break
		}
		cursor = next
	}

	p.logger.Info("pull finished",
		"pile", pile.Path,
		"rows", result.Rows,
		"written", result.Written,
		"unchanged", result.Unchanged,
		"trashed", result.Trashed,
		"conflicts", len(result.Conflicts),
		"attachments", result.Attachments.Downloaded)
	return result, nil
}

// apply reconciles one remote row with the local tree. index maps post ids
// to local paths and is kept current.
func (p *Puller) apply(pile *Pile, index map[string]string, row *remote.Post, result *PullResult) error {
	if err := schema.CheckPostID(row.ID); err != nil {
		return err
	}
	target, known := index[row.ID]
	if !known {
		target = filepath.Join(pile.Path, row.ID+schema.PostExt)
	}

	if row.Deleted() {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			delete(index, row.ID)
			return nil
		}
		if err := p.trash(pile.Path, target); err != nil {
			return err
		}
		delete(index, row.ID)
		result.Trashed++
		return nil
	}

	remoteText, err := RenderRemote(row)
	if err != nil {
		return err
	}

	// #nosec G304 - path comes from the pile index
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		if err := schema.WriteFileAtomic(target, remoteText, 0644); err != nil {
			return err
		}
		index[row.ID] = target
		result.Written++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read local post: %w", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to stat local post: %w", err)
	}

	local, err := schema.ParsePost(data)
	if err != nil {
		return err
	}
	remoteHash := schema.ComputeEtag(row.Content)
	if local.ContentEtag() == remoteHash {
		result.Unchanged++
		return nil
	}

	localAt := local.EffectiveUpdatedAt(info.ModTime())
	var c *conflict.Conflict
	if pile.Conflicts != nil {
		c, err = pile.Conflicts.Detect(conflict.Input{
			PostID:          row.ID,
			LocalContent:    string(data),
			RemoteContent:   string(remoteText),
			LocalUpdatedAt:  localAt,
			RemoteUpdatedAt: row.UpdatedAt,
			LocalEtag:       local.ContentEtag(),
			RemoteEtag:      remoteHash,
			Type:            conflict.TypeConcurrentEdit,
		})
		if err != nil {
			return err
		}
	}

	if c != nil {
		result.Conflicts = append(result.Conflicts, c)
		// Both versions are in the conflict artifacts; the newer one stays
		// in the tree until the conflict is resolved.
		if !row.UpdatedAt.After(localAt) {
			result.Kept++
			return nil
		}
	}

	if err := schema.WriteFileAtomic(target, remoteText, 0644); err != nil {
		return err
	}
	result.Written++
	return nil
}

// trash moves a post file to .pile/trash under a unique name.
func (p *Puller) trash(pilePath, path string) error {
	dir := schema.MetaPath(pilePath, schema.TrashDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create trash: %w", err)
	}
	name := strconv.FormatInt(p.clock.Now().UnixNano(), 10) + "-" + filepath.Base(path)
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to move post to trash: %w", err)
	}
	p.logger.Info("moved deleted post to trash", "pile", pilePath, "file", path)
	return nil
}
