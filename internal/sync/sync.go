// Package sync reconciles a pile with its remote record.
//
// Overview
//
// Two reconcilers move changes in opposite directions:
//
//	local files ── FileWatcher ──> SyncQueue ──> Pusher ──> remote store
//	local files <──────────────────────────────── Puller <── remote store
//
// Both consult the pile's conflict.Manager and advance its checkpoint in
// state.Manager after a batch. A Syncer runs them in sequence.
//
// Error Handling
//
// A batch never aborts because one item failed:
//
//   - Push failures are nacked back to the queue and retried with backoff,
//     or failed outright when retrying cannot help (see IsPermanent and
//     IsIntegrity)
//   - Pull failures are collected in the result; the cursor stops before
//     the first row that may succeed on a later attempt
//   - The last error per pile is kept in the checkpoint for status
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/state"
)

// Pile bundles the per-pile collaborators of the reconcilers.
type Pile struct {
	Path      string
	State     *state.Manager
	Conflicts *conflict.Manager
}

// Mode selects the direction of a sync.
type Mode string

const (
	ModePull Mode = "pull"
	ModePush Mode = "push"
	ModeBoth Mode = "both"
)

// ParseMode validates a sync mode. The empty string means ModeBoth.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeBoth, nil
	case ModePull, ModePush, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("invalid sync mode %q (want pull, push or both)", s)
	}
}

// Result reports the outcome of one Sync call.
type Result struct {
	Mode Mode
	Pull *PullResult
	Push *PushResult
}

// Conflicts returns the conflicts raised by either direction.
func (r *Result) Conflicts() []*conflict.Conflict {
	var out []*conflict.Conflict
	if r.Pull != nil {
		out = append(out, r.Pull.Conflicts...)
	}
	if r.Push != nil {
		out = append(out, r.Push.Conflicts...)
	}
	return out
}

// Syncer runs pulls and pushes for piles.
type Syncer struct {
	pusher *Pusher
	puller *Puller
	logger *slog.Logger
}

// NewSyncer creates a Syncer. If logger is nil, slog.Default() is used.
func NewSyncer(pusher *Pusher, puller *Puller, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{pusher: pusher, puller: puller, logger: logger}
}

// Pusher returns the push reconciler.
func (s *Syncer) Pusher() *Pusher {
	return s.pusher
}

// Puller returns the pull reconciler.
func (s *Syncer) Puller() *Puller {
	return s.puller
}

// Sync pulls, then pushes, as selected by mode. Pulling first lets
// concurrent remote edits surface as conflicts before local edits are
// written over them.
//
// The last error of the run, batch-level or per item, is recorded in the
// pile checkpoint; a clean run clears it.
func (s *Syncer) Sync(ctx context.Context, pile *Pile, mode Mode) (*Result, error) {
	res := &Result{Mode: mode}
	var (
		errs    []error
		lastErr error
	)

	if mode == ModePull || mode == ModeBoth {
		pull, err := s.puller.Pull(ctx, pile)
		res.Pull = pull
		if err != nil {
			errs = append(errs, fmt.Errorf("pull: %w", err))
			lastErr = err
		} else if n := len(pull.Errors); n > 0 {
			lastErr = pull.Errors[n-1]
		}
	}

	if mode == ModePush || mode == ModeBoth {
		push, err := s.pusher.Push(ctx, pile)
		res.Push = push
		if err != nil {
			errs = append(errs, fmt.Errorf("push: %w", err))
			lastErr = err
		} else if n := len(push.Errors); n > 0 {
			lastErr = push.Errors[n-1]
		}
	}

	if !errors.Is(lastErr, state.ErrNotLinked) {
		if err := pile.State.RecordError(lastErr); err != nil {
			s.logger.Warn("failed to record sync error", "pile", pile.Path, "error", err)
		}
	}
	return res, errors.Join(errs...)
}

// remoteEtag returns the etag of a remote row, computing it when the
// deployment has no etag column.
func remoteEtag(row *remote.Post) string {
	if row.Etag != "" {
		return row.Etag
	}
	return schema.ComputeEtag(row.Content)
}

// RenderRemote renders a remote row as a post file with reconstructed
// frontmatter.
func RenderRemote(row *remote.Post) ([]byte, error) {
	post := &schema.Post{
		ID:        row.ID,
		PileID:    row.PileID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Etag:      schema.ComputeEtag(row.Content),
		Meta:      row.Meta,
		Body:      row.Content,
	}
	return post.Render()
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
