// Package engine is the control surface of the sync engine. An Engine owns
// the shared operation queue and the per-pile instances of the watcher,
// checkpoint and conflict managers, and exposes the operations the UI layer
// drives: link, sync, status, conflicts, attachments and maintenance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/attachment"
	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/daemon"
	"github.com/pilesync/pilesync/internal/migrate"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/state"
	psync "github.com/pilesync/pilesync/internal/sync"
)

// Config holds configuration for an Engine.
type Config struct {
	// DataDir holds the operation queue shared by all piles.
	DataDir string

	Remote remote.Store
	Blobs  blob.Store
	UserID string

	// Limiter throttles remote calls. Nil means unlimited.
	Limiter *rate.Limiter

	PushBatch         int
	PushWorkers       int
	PullBatch         int
	AttachmentWorkers int
	MaxRetries        int
	RetryBase         time.Duration
	FileDebounce      time.Duration
	PushDebounce      time.Duration
	URLTTL            time.Duration

	// EventBuffer is the capacity of the event channel.
	EventBuffer int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Status is the sync status of one pile.
type Status struct {
	Pile            string    `json:"pile"`
	Linked          bool      `json:"linked"`
	RemotePileID    string    `json:"remotePileId,omitempty"`
	Watching        bool      `json:"watching"`
	QueueLength     int       `json:"queueLength"`
	FailedOps       int       `json:"failedOps"`
	LastPulledAt    time.Time `json:"lastPulledAt,omitzero"`
	LastPushedAt    time.Time `json:"lastPushedAt,omitzero"`
	ActiveConflicts int       `json:"activeConflicts"`
	LastError       string    `json:"lastError,omitempty"`
	LastErrorAt     time.Time `json:"lastErrorAt,omitzero"`
}

// pileHandle holds the per-pile collaborators.
type pileHandle struct {
	pile    *psync.Pile
	lock    *pileLock
	syncMu  sync.Mutex
	watcher *daemon.PileWatcher
}

// Engine drives synchronization for any number of piles.
type Engine struct {
	cfg         Config
	queue       *queue.Queue
	attachments *attachment.Manager
	syncer      *psync.Syncer
	clock       clock.Clock
	logger      *slog.Logger

	mu    sync.Mutex
	piles map[string]*pileHandle

	events   chan Event
	eventsMu sync.RWMutex
	closed   bool

	// wg tracks background syncs started by TriggerSync.
	wg sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	if cfg.FileDebounce <= 0 {
		cfg.FileDebounce = time.Second
	}
	if cfg.PushDebounce <= 0 {
		cfg.PushDebounce = 500 * time.Millisecond
	}
	clk := clock.Or(cfg.Clock)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	q, err := queue.New(&queue.Config{
		Path:       filepath.Join(cfg.DataDir, queue.FileName),
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBase,
		Clock:      clk,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	att := attachment.New(attachment.Config{
		Remote:  cfg.Remote,
		Blobs:   cfg.Blobs,
		UserID:  cfg.UserID,
		Workers: cfg.AttachmentWorkers,
		Limiter: cfg.Limiter,
		URLTTL:  cfg.URLTTL,
		Clock:   clk,
		Logger:  cfg.Logger,
	})
	pusher := psync.NewPusher(psync.PushConfig{
		Remote:      cfg.Remote,
		Queue:       q,
		Attachments: att,
		UserID:      cfg.UserID,
		BatchSize:   cfg.PushBatch,
		Workers:     cfg.PushWorkers,
		Limiter:     cfg.Limiter,
		Clock:       clk,
		Logger:      cfg.Logger,
	})
	puller := psync.NewPuller(psync.PullConfig{
		Remote:      cfg.Remote,
		Attachments: att,
		BatchSize:   cfg.PullBatch,
		Limiter:     cfg.Limiter,
		Clock:       clk,
		Logger:      cfg.Logger,
	})

	return &Engine{
		cfg:         cfg,
		queue:       q,
		attachments: att,
		syncer:      psync.NewSyncer(pusher, puller, cfg.Logger),
		clock:       clk,
		logger:      cfg.Logger,
		piles:       make(map[string]*pileHandle),
		events:      make(chan Event, cfg.EventBuffer),
	}, nil
}

// Queue returns the shared operation queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Events returns the event channel. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// handle returns the instance of the pile at pilePath, creating it on
// first use.
func (e *Engine) handle(pilePath string) (*pileHandle, error) {
	if pilePath == "" {
		return nil, fmt.Errorf("pile path cannot be empty")
	}
	abs, err := filepath.Abs(pilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pile path: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.piles[abs]; ok {
		return h, nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open pile: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pile %s is not a directory", abs)
	}

	st := state.NewManager(abs, e.clock)
	h := &pileHandle{
		pile: &psync.Pile{
			Path:  abs,
			State: st,
			Conflicts: conflict.New(abs, conflict.Config{
				State:  st,
				Queue:  e.queue,
				Clock:  e.clock,
				Logger: e.logger,
			}),
		},
		lock: newPileLock(abs),
	}
	e.piles[abs] = h
	return h, nil
}

// Piles returns the paths of the piles opened so far, sorted.
func (e *Engine) Piles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.piles))
	for p := range e.piles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Link links the pile to remoteID, creating the remote pile record if it
// does not exist. An empty remoteID keeps the current link or creates a
// new remote pile.
func (e *Engine) Link(ctx context.Context, pilePath, remoteID string) (*state.Checkpoint, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	if remoteID == "" {
		cp, err := h.pile.State.Load()
		if err != nil {
			return nil, err
		}
		remoteID = cp.RemotePileID
	}
	if remoteID == "" {
		remoteID = uuid.NewString()
	}

	_, err = e.cfg.Remote.GetPile(ctx, remoteID)
	if errors.Is(err, remote.ErrNotFound) {
		err = e.cfg.Remote.CreatePile(ctx, &remote.Pile{
			ID:     remoteID,
			UserID: e.cfg.UserID,
			Name:   filepath.Base(h.pile.Path),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to prepare remote pile: %w", err)
	}

	cp, err := h.pile.State.Link(remoteID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("pile linked", "pile", h.pile.Path, "remote", remoteID)
	return cp, nil
}

// Unlink stops watching the pile, clears its checkpoint and drops its
// queued operations.
func (e *Engine) Unlink(pilePath string) error {
	h, err := e.handle(pilePath)
	if err != nil {
		return err
	}
	if err := e.Unwatch(h.pile.Path); err != nil {
		return err
	}
	if err := h.pile.State.Unlink(); err != nil {
		return err
	}
	if _, err := e.queue.Clear(h.pile.Path); err != nil {
		return err
	}
	e.publishQueue(h.pile.Path)
	e.logger.Info("pile unlinked", "pile", h.pile.Path)
	return nil
}

// Sync runs a pull, a push or both for the pile. Syncs of one pile are
// serialized; another process holding the pile yields ErrPileLocked.
func (e *Engine) Sync(ctx context.Context, pilePath string, mode psync.Mode) (*psync.Result, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	if err := h.lock.acquire(); err != nil {
		return nil, err
	}
	defer h.lock.release()

	h.syncMu.Lock()
	defer h.syncMu.Unlock()

	path := h.pile.Path
	start := e.clock.Now()
	e.publish(EventSyncStarted, path, map[string]string{"mode": string(mode)})

	res, err := e.syncer.Sync(ctx, h.pile, mode)
	if res != nil {
		for _, c := range res.Conflicts() {
			e.publish(EventConflictDetected, path, ConflictData{ConflictID: c.ID, PostID: c.PostID, Type: string(c.Type)})
		}
		if res.Push != nil && res.Push.Taken > 0 {
			e.publishQueue(path)
		}
	}
	if err != nil {
		e.publish(EventSyncError, path, map[string]string{"error": err.Error()})
		return res, err
	}

	summary := SyncSummary{Mode: string(mode), Duration: e.clock.Now().Sub(start).String()}
	if res.Pull != nil {
		summary.Pulled = res.Pull.Written + res.Pull.Trashed
		summary.Failed += len(res.Pull.Errors)
	}
	if res.Push != nil {
		summary.Pushed = res.Push.Pushed
		summary.Failed += res.Push.Failed
	}
	summary.Conflicts = len(res.Conflicts())
	e.publish(EventSyncComplete, path, summary)
	return res, nil
}

// TriggerSync starts a full sync of the pile in the background and
// returns immediately. The outcome is published as events.
func (e *Engine) TriggerSync(pilePath string) error {
	h, err := e.handle(pilePath)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Sync(context.Background(), h.pile.Path, psync.ModeBoth); err != nil {
			e.logger.Warn("triggered sync failed", "pile", h.pile.Path, "error", err)
		}
	}()
	return nil
}

// Status returns the sync status of the pile.
func (e *Engine) Status(pilePath string) (*Status, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	cp, err := h.pile.State.Load()
	if err != nil {
		return nil, err
	}
	pending, err := e.queue.Len(h.pile.Path)
	if err != nil {
		return nil, err
	}
	failed, err := e.queue.Failed(h.pile.Path)
	if err != nil {
		return nil, err
	}
	active, err := h.pile.Conflicts.ActiveCount()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	watching := h.watcher != nil && h.watcher.IsRunning()
	e.mu.Unlock()

	return &Status{
		Pile:            h.pile.Path,
		Linked:          cp.Linked,
		RemotePileID:    cp.RemotePileID,
		Watching:        watching,
		QueueLength:     pending,
		FailedOps:       len(failed),
		LastPulledAt:    cp.LastPulledAt,
		LastPushedAt:    cp.LastPushedAt,
		ActiveConflicts: active,
		LastError:       cp.LastError,
		LastErrorAt:     cp.LastErrorAt,
	}, nil
}

// ListConflicts returns the pile's conflicts; resolved ones only when all
// is set.
func (e *Engine) ListConflicts(pilePath string, all bool) ([]*conflict.Conflict, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	return h.pile.Conflicts.List(all)
}

// InspectConflict returns both versions of a conflicted post and their diff.
func (e *Engine) InspectConflict(pilePath, postID string) (*conflict.Inspection, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	return h.pile.Conflicts.Inspect(postID)
}

// ResolveConflict applies the user's resolution and queues a push of the
// written file; a watched pile also sees the write and pushes it after the
// push debounce.
func (e *Engine) ResolveConflict(pilePath, postID string, res conflict.Resolution) (*conflict.Conflict, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	c, err := h.pile.Conflicts.Resolve(postID, res)
	if err != nil {
		return nil, err
	}
	e.publish(EventConflictResolved, h.pile.Path, ConflictData{
		ConflictID: c.ID,
		PostID:     c.PostID,
		Resolution: string(c.Resolution),
	})
	e.publishQueue(h.pile.Path)
	return c, nil
}

// UploadAttachment replicates a local file as an attachment of postID.
func (e *Engine) UploadAttachment(ctx context.Context, pilePath, postID, localPath string) (*remote.Attachment, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	cp, err := h.pile.State.Linked()
	if err != nil {
		return nil, err
	}
	return e.attachments.Upload(ctx, attachment.Pile{Path: h.pile.Path, RemoteID: cp.RemotePileID}, postID, localPath)
}

// ListAttachments returns the live attachments of postID.
func (e *Engine) ListAttachments(ctx context.Context, postID string) ([]*remote.Attachment, error) {
	return e.attachments.List(ctx, postID)
}

// DownloadAttachment fetches an attachment into the pile and returns its
// local path.
func (e *Engine) DownloadAttachment(ctx context.Context, pilePath, postID, remotePath, expectedHash string) (string, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return "", err
	}
	cp, err := h.pile.State.Linked()
	if err != nil {
		return "", err
	}
	local, _, err := e.attachments.Download(ctx, attachment.Pile{Path: h.pile.Path, RemoteID: cp.RemotePileID}, postID, remotePath, expectedHash)
	return local, err
}

// AttachmentURL returns a signed URL for a catalogued attachment. A zero
// ttl uses the configured default.
func (e *Engine) AttachmentURL(ctx context.Context, remotePath string, ttl time.Duration) (string, error) {
	return e.attachments.SignedURL(ctx, remotePath, ttl)
}

// Rescan queues an upsert for every post of the pile, whether or not it
// changed.
func (e *Engine) Rescan(pilePath string) (int, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	w := h.watcher
	e.mu.Unlock()
	if w == nil {
		// Without a running watcher the scan has no push to schedule.
		if w, err = daemon.New(h.pile.Path, e.watcherConfig(nil)); err != nil {
			return 0, err
		}
	}

	n, err := w.Scan(true)
	if err != nil {
		return n, err
	}
	e.publishQueue(h.pile.Path)
	return n, nil
}

// ClearQueue removes every queued operation of the pile, failed ones
// included.
func (e *Engine) ClearQueue(pilePath string) (int, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return 0, err
	}
	n, err := e.queue.Clear(h.pile.Path)
	if err != nil {
		return 0, err
	}
	e.publishQueue(h.pile.Path)
	return n, nil
}

// QueuedOperations returns the pile's operations, failed ones included.
func (e *Engine) QueuedOperations(pilePath string) ([]queue.Operation, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	return e.queue.List(h.pile.Path)
}

// Migrate assigns UUID identities to the pile's posts and queues the
// renamed files for push.
func (e *Engine) Migrate(ctx context.Context, pilePath string, opts migrate.Options) (*migrate.Result, error) {
	h, err := e.handle(pilePath)
	if err != nil {
		return nil, err
	}
	if err := h.lock.acquire(); err != nil {
		return nil, err
	}
	defer h.lock.release()

	result, err := migrate.ToUUID(ctx, h.pile.Path, opts)
	if err != nil || opts.DryRun {
		return result, err
	}
	for _, r := range result.Renames {
		if _, err := e.queue.Enqueue(queue.UpsertPost(h.pile.Path, r.To)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to queue %s: %v", r.To, err))
		}
	}
	if len(result.Renames) > 0 {
		e.publishQueue(h.pile.Path)
	}
	return result, nil
}

func (e *Engine) watcherConfig(push daemon.PushFunc) *daemon.Config {
	return &daemon.Config{
		FileDebounce: e.cfg.FileDebounce,
		PushDebounce: e.cfg.PushDebounce,
		Queue:        e.queue,
		Push:         push,
		Logger:       e.logger,
	}
}

// Watch starts watching the pile. Local changes are queued and pushed
// after the push debounce. The pile stays locked against other processes
// until Unwatch or Close.
func (e *Engine) Watch(ctx context.Context, pilePath string) error {
	h, err := e.handle(pilePath)
	if err != nil {
		return err
	}
	if _, err := h.pile.State.Linked(); err != nil {
		return err
	}

	e.mu.Lock()
	running := h.watcher != nil
	e.mu.Unlock()
	if running {
		return nil
	}

	if err := h.lock.acquire(); err != nil {
		return err
	}

	config := e.watcherConfig(func(ctx context.Context, pile string) {
		if _, err := e.Sync(ctx, pile, psync.ModePush); err != nil {
			e.logger.Warn("automatic push failed", "pile", pile, "error", err)
		}
	})
	config.OnEnqueue = func(queue.Operation) { e.publishQueue(h.pile.Path) }

	w, err := daemon.New(h.pile.Path, config)
	if err != nil {
		h.lock.release()
		return err
	}
	if err := w.Start(ctx); err != nil {
		h.lock.release()
		return err
	}

	e.mu.Lock()
	h.watcher = w
	e.mu.Unlock()

	e.publish(EventWatchStarted, h.pile.Path, nil)
	return nil
}

// Unwatch stops watching the pile. Pending debounce timers are dropped;
// a push already running completes.
func (e *Engine) Unwatch(pilePath string) error {
	h, err := e.handle(pilePath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	w := h.watcher
	h.watcher = nil
	e.mu.Unlock()
	if w == nil {
		return nil
	}

	err = w.Stop()
	h.lock.release()
	e.publish(EventWatchStopped, h.pile.Path, nil)
	return err
}

// Close stops every watcher, waits for background syncs and closes the
// event channel.
func (e *Engine) Close() error {
	var errs []error
	for _, p := range e.Piles() {
		if err := e.Unwatch(p); err != nil {
			errs = append(errs, err)
		}
	}
	e.wg.Wait()

	e.eventsMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.eventsMu.Unlock()
	return errors.Join(errs...)
}
