package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/attachment"
	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/schema"
)

const (
	// DefaultBatchSize is the number of operations or rows handled per batch.
	DefaultBatchSize = 100

	// DefaultPushWorkers is the number of operations applied concurrently.
	DefaultPushWorkers = 4
)

// OpQueue is the part of queue.Queue the Pusher drives.
type OpQueue interface {
	Take(pilePath string, n int) ([]queue.Operation, error)
	Ack(id string) error
	Release(id string)
	Nack(id string, cause error) (queue.Operation, error)
	Fail(id string, cause error) (queue.Operation, error)
}

// PushConfig configures a Pusher.
type PushConfig struct {
	Remote      remote.Store
	Queue       OpQueue
	Attachments *attachment.Manager
	// UserID owns inserted rows on deployments with a user_id column.
	UserID    string
	BatchSize int
	Workers   int
	Limiter   *rate.Limiter
	Clock     clock.Clock
	Logger    *slog.Logger
}

// PushResult summarizes one push.
type PushResult struct {
	Taken int
	// Pushed counts operations that changed the remote.
	Pushed int
	// Skipped counts operations acked without a remote change: no-ops,
	// vanished files and edits that lost to a newer remote version.
	Skipped int
	// Deferred counts operations left for a later push.
	Deferred int
	// Failed counts operations nacked or failed.
	Failed    int
	Conflicts []*conflict.Conflict
	Errors    []error
}

type outcome int

const (
	outcomePushed outcome = iota
	outcomeSkipped
)

// Pusher drains a pile's operations from the queue into the remote store.
type Pusher struct {
	remote      remote.Store
	queue       OpQueue
	attachments *attachment.Manager
	userID      string
	batch       int
	workers     int
	limiter     *rate.Limiter
	clock       clock.Clock
	logger      *slog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(cfg PushConfig) *Pusher {
	p := &Pusher{
		remote:      cfg.Remote,
		queue:       cfg.Queue,
		attachments: cfg.Attachments,
		userID:      cfg.UserID,
		batch:       cfg.BatchSize,
		workers:     cfg.Workers,
		limiter:     cfg.Limiter,
		clock:       clock.Or(cfg.Clock),
		logger:      cfg.Logger,
	}
	if p.batch <= 0 {
		p.batch = DefaultBatchSize
	}
	if p.workers <= 0 {
		p.workers = DefaultPushWorkers
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Push takes one batch of ready operations for pile and applies them.
// Individual failures are reported in the result; the returned error is
// reserved for failures that stopped the whole batch, in which case every
// taken operation is released untouched.
func (p *Pusher) Push(ctx context.Context, pile *Pile) (*PushResult, error) {
	cp, err := pile.State.Linked()
	if err != nil {
		return nil, err
	}

	ops, err := p.queue.Take(pile.Path, p.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to take operations: %w", err)
	}
	result := &PushResult{Taken: len(ops)}
	if len(ops) == 0 {
		return result, nil
	}

	if err := p.prepare(ctx, pile, cp.RemotePileID); err != nil {
		for _, op := range ops {
			p.queue.Release(op.ID)
		}
		return result, err
	}

	var (
		mu       stdsync.Mutex
		lastEtag string
		lastIdx  = -1
	)
	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, op := range ops {
		g.Go(func() error {
			out, etag, c, err := p.apply(ctx, pile, cp.RemotePileID, op)
			p.settle(op, err)

			mu.Lock()
			defer mu.Unlock()
			if c != nil {
				result.Conflicts = append(result.Conflicts, c)
			}
			switch {
			case errors.Is(err, errDeferred):
				result.Deferred++
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Errorf("%s %s: %w", op.Type, op.FilePath, err))
			case out == outcomePushed:
				result.Pushed++
				if etag != "" && i > lastIdx {
					lastEtag, lastIdx = etag, i
				}
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Pushed > 0 {
		if err := pile.State.AdvancePush(p.clock.Now(), lastEtag); err != nil {
			return result, err
		}
	}

	p.logger.Info("push finished",
		"pile", pile.Path,
		"taken", result.Taken,
		"pushed", result.Pushed,
		"skipped", result.Skipped,
		"deferred", result.Deferred,
		"failed", result.Failed)
	return result, nil
}

// prepare probes the remote schema and recreates the pile record if it was
// removed remotely.
func (p *Pusher) prepare(ctx context.Context, pile *Pile, remoteID string) error {
	if err := wait(ctx, p.limiter); err != nil {
		return err
	}
	if _, err := p.remote.Columns(ctx); err != nil {
		return fmt.Errorf("failed to probe remote schema: %w", err)
	}

	_, err := p.remote.GetPile(ctx, remoteID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("failed to get remote pile: %w", err)
	}
	p.logger.Warn("remote pile missing, recreating", "pile", pile.Path, "remote", remoteID)
	return p.remote.CreatePile(ctx, &remote.Pile{
		ID:     remoteID,
		UserID: p.userID,
		Name:   filepath.Base(pile.Path),
	})
}

// settle reports the outcome of op to the queue.
func (p *Pusher) settle(op queue.Operation, err error) {
	var qerr error
	switch {
	case err == nil:
		qerr = p.queue.Ack(op.ID)
	case errors.Is(err, errDeferred), errors.Is(err, context.Canceled):
		p.queue.Release(op.ID)
	case IsIntegrity(err), IsPermanent(err):
		_, qerr = p.queue.Fail(op.ID, err)
	default:
		_, qerr = p.queue.Nack(op.ID, err)
	}
	if qerr != nil {
		p.logger.Error("failed to update queue", "op", op.ID, "error", qerr)
	}
}

func (p *Pusher) apply(ctx context.Context, pile *Pile, remoteID string, op queue.Operation) (outcome, string, *conflict.Conflict, error) {
	if err := op.Validate(); err != nil {
		return 0, "", nil, err
	}
	if err := wait(ctx, p.limiter); err != nil {
		return 0, "", nil, err
	}

	switch op.Type {
	case queue.OpUpsertPost:
		return p.upsertPost(ctx, pile, remoteID, op)
	case queue.OpTombstonePost:
		out, err := p.tombstonePost(ctx, op)
		return out, "", nil, err
	case queue.OpUpsertAttachment:
		out, err := p.upsertAttachment(ctx, pile, remoteID, op)
		return out, "", nil, err
	case queue.OpDeleteAttachment:
		out, err := p.deleteAttachment(ctx, op)
		return out, "", nil, err
	default:
		return 0, "", nil, fmt.Errorf("%w: unknown type %q", queue.ErrInvalidOperation, op.Type)
	}
}

func (p *Pusher) upsertPost(ctx context.Context, pile *Pile, remoteID string, op queue.Operation) (outcome, string, *conflict.Conflict, error) {
	// #nosec G304 - path comes from the pile tree
	data, err := os.ReadFile(op.FilePath)
	if os.IsNotExist(err) {
		return outcomeSkipped, "", nil, nil
	}
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to read post: %w", err)
	}
	info, err := os.Stat(op.FilePath)
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to stat post: %w", err)
	}
	post, err := schema.ParsePost(data)
	if err != nil {
		return 0, "", nil, err
	}

	if p.normalize(post, op.FilePath, remoteID, info) {
		if data, err = post.Render(); err != nil {
			return 0, "", nil, err
		}
		if err := schema.WriteFileAtomic(op.FilePath, data, 0644); err != nil {
			return 0, "", nil, fmt.Errorf("failed to write frontmatter: %w", err)
		}
	}

	if pile.Conflicts != nil {
		active, err := pile.Conflicts.HasActive(post.ID)
		if err != nil {
			return 0, "", nil, err
		}
		if active {
			return 0, "", nil, errDeferred
		}
	}

	row := &remote.Post{
		ID:        post.ID,
		PileID:    remoteID,
		UserID:    p.userID,
		Title:     post.Title,
		Content:   post.Body,
		Etag:      post.Etag,
		Meta:      post.Meta,
		CreatedAt: post.CreatedAt,
		UpdatedAt: post.UpdatedAt,
	}

	existing, err := p.remote.GetPost(ctx, post.ID)
	if errors.Is(err, remote.ErrNotFound) {
		if err := p.remote.InsertPost(ctx, row); err != nil {
			return 0, "", nil, fmt.Errorf("failed to insert post: %w", err)
		}
		return outcomePushed, row.Etag, nil, nil
	}
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to get remote post: %w", err)
	}

	if !existing.Deleted() && remoteEtag(existing) == row.Etag {
		return outcomeSkipped, "", nil, nil
	}
	if existing.UpdatedAt.After(row.UpdatedAt) {
		c, err := p.remoteWins(pile, data, post, existing)
		return outcomeSkipped, "", c, err
	}

	updated, err := p.remote.UpdatePostGuarded(ctx, row, existing)
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to update post: %w", err)
	}
	if updated {
		return outcomePushed, row.Etag, nil, nil
	}

	// Someone wrote between our read and our update.
	current, err := p.remote.GetPost(ctx, post.ID)
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to refetch remote post: %w", err)
	}
	if current.UpdatedAt.After(row.UpdatedAt) {
		c, err := p.remoteWins(pile, data, post, current)
		return outcomeSkipped, "", c, err
	}
	return 0, "", nil, ErrStaleWrite
}

// normalize fills in the frontmatter a post needs before it can be pushed:
// a UUID identity, the remote pile id, timestamps and a current etag. It
// reports whether the post changed.
func (p *Pusher) normalize(post *schema.Post, path, remoteID string, info os.FileInfo) bool {
	dirty := false
	if !schema.IsUUID(post.ID) {
		if stem := schema.PostIDFromPath(path); schema.IsUUID(stem) {
			post.ID = stem
		} else {
			post.ID = schema.NewID()
		}
		dirty = true
	}
	if updated := post.EffectiveUpdatedAt(info.ModTime()); !post.UpdatedAt.Equal(updated) {
		post.UpdatedAt = updated
		dirty = true
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = post.UpdatedAt
		dirty = true
	}
	if post.Stale() {
		post.Etag = post.ContentEtag()
		dirty = true
	}
	if post.PileID != remoteID {
		post.PileID = remoteID
		dirty = true
	}
	return dirty
}

// remoteWins handles a local edit older than the remote version. The
// remote is left alone and the pair is offered to conflict detection; an
// edit that does not qualify as a conflict is logged and dropped.
func (p *Pusher) remoteWins(pile *Pile, local []byte, post *schema.Post, row *remote.Post) (*conflict.Conflict, error) {
	if pile.Conflicts == nil {
		p.logger.Warn("remote is newer, local edit not pushed", "pile", pile.Path, "post", post.ID)
		return nil, nil
	}
	remoteText, err := RenderRemote(row)
	if err != nil {
		return nil, err
	}
	c, err := pile.Conflicts.Detect(conflict.Input{
		PostID:          post.ID,
		LocalContent:    string(local),
		RemoteContent:   string(remoteText),
		LocalUpdatedAt:  post.UpdatedAt,
		RemoteUpdatedAt: row.UpdatedAt,
		LocalEtag:       post.Etag,
		RemoteEtag:      remoteEtag(row),
		Type:            conflict.TypeStalePush,
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		p.logger.Warn("remote is newer, local edit not pushed",
			"pile", pile.Path,
			"post", post.ID,
			"local_updated_at", post.UpdatedAt,
			"remote_updated_at", row.UpdatedAt)
	}
	return c, nil
}

func (p *Pusher) tombstonePost(ctx context.Context, op queue.Operation) (outcome, error) {
	id := op.PostID
	if id == "" {
		id = schema.PostIDFromPath(op.FilePath)
		if !schema.IsUUID(id) {
			p.logger.Debug("tombstone without identity, nothing to delete", "path", op.FilePath)
			return outcomeSkipped, nil
		}
	}
	// The file came back before the tombstone ran.
	if op.FilePath != "" {
		if _, err := os.Stat(op.FilePath); err == nil {
			return outcomeSkipped, nil
		}
	}

	err := p.remote.TombstonePost(ctx, id, schema.Timestamp(p.clock.Now()))
	if errors.Is(err, remote.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to tombstone post: %w", err)
	}
	return outcomePushed, nil
}

func (p *Pusher) upsertAttachment(ctx context.Context, pile *Pile, remoteID string, op queue.Operation) (outcome, error) {
	if p.attachments == nil {
		return outcomeSkipped, nil
	}
	if _, err := os.Stat(op.FilePath); os.IsNotExist(err) {
		return outcomeSkipped, nil
	}
	target := attachment.Pile{Path: pile.Path, RemoteID: remoteID}
	if _, err := p.attachments.Upload(ctx, target, op.PostID, op.FilePath); err != nil {
		return 0, err
	}
	return outcomePushed, nil
}

func (p *Pusher) deleteAttachment(ctx context.Context, op queue.Operation) (outcome, error) {
	if p.attachments == nil {
		return outcomeSkipped, nil
	}
	if err := p.attachments.Delete(ctx, op.PostID, op.Hash, op.Filename); err != nil {
		return 0, err
	}
	return outcomePushed, nil
}
