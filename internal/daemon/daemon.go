package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/schema"
)

// Enqueuer receives the operations produced by a watcher.
type Enqueuer interface {
	Enqueue(op queue.Operation) (queue.Operation, error)
}

// PushFunc pushes the queued operations of a pile.
type PushFunc func(ctx context.Context, pilePath string)

// Config holds configuration for a PileWatcher.
type Config struct {
	// FileDebounce is how long a file must be quiet before its change is
	// enqueued. A new event for the same file restarts the wait.
	FileDebounce time.Duration

	// PushDebounce is how long to wait after the last enqueue before
	// pushing automatically.
	PushDebounce time.Duration

	Queue Enqueuer

	// Push is called after PushDebounce. Nil disables automatic pushes.
	Push PushFunc

	// OnEnqueue is called after every successful enqueue.
	OnEnqueue func(op queue.Operation)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FileDebounce: time.Second,
		PushDebounce: 500 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// PileWatcher turns file system events of one pile into queued operations.
//
// The watcher:
//  1. Watches the pile tree, skipping the metadata folder
//  2. Debounces events per file
//  3. Enqueues upsert/tombstone operations for posts and attachments
//  4. Schedules a debounced push after every enqueue
type PileWatcher struct {
	pilePath string
	config   *Config
	fw       *FileWatcher

	mu       sync.Mutex
	running  bool
	timers   map[string]*time.Timer
	push     *time.Timer
	ids      map[string]string // post path -> post id
	scanning bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a PileWatcher for the pile rooted at pilePath.
// Use Start() to begin watching.
func New(pilePath string, config *Config) (*PileWatcher, error) {
	if pilePath == "" {
		return nil, fmt.Errorf("pilePath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	abs, err := filepath.Abs(pilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pile path: %w", err)
	}
	return &PileWatcher{
		pilePath: abs,
		config:   config,
		timers:   make(map[string]*time.Timer),
		ids:      make(map[string]string),
	}, nil
}

// PilePath returns the absolute pile root.
func (w *PileWatcher) PilePath() string {
	return w.pilePath
}

// Start begins watching and performs the initial scan.
// Push callbacks receive a context derived from ctx.
func (w *PileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}

	fw, err := NewFileWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Start(w.pilePath); err != nil {
		fw.Stop()
		w.mu.Unlock()
		return err
	}

	w.fw = fw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	w.config.Logger.Info("watching pile", "pile", w.pilePath)

	w.wg.Add(1)
	go w.watchFileEvents()

	if _, err := w.Scan(false); err != nil {
		w.config.Logger.Warn("initial scan failed", "pile", w.pilePath, "error", err)
	}
	return nil
}

// Stop closes the file system watcher and clears pending timers.
// A push already running is allowed to complete.
func (w *PileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	if w.push != nil {
		w.push.Stop()
		w.push = nil
	}
	fw := w.fw
	w.mu.Unlock()

	err := fw.Stop()
	w.wg.Wait()
	w.cancel()

	w.config.Logger.Info("stopped watching pile", "pile", w.pilePath)
	return err
}

// IsRunning returns true if the watcher is currently running.
func (w *PileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Scan enqueues an upsertPost for every post file. Unless force is set,
// files already observed by the watcher are skipped. A scan that starts
// while another is in progress returns immediately.
func (w *PileWatcher) Scan(force bool) (int, error) {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		w.config.Logger.Debug("scan already in progress", "pile", w.pilePath)
		return 0, nil
	}
	w.scanning = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.scanning = false
		w.mu.Unlock()
	}()

	paths, err := schema.ListPostFiles(w.pilePath)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, path := range paths {
		w.mu.Lock()
		_, seen := w.ids[path]
		w.mu.Unlock()
		if seen && !force {
			continue
		}
		w.remember(path)
		if w.enqueue(queue.UpsertPost(w.pilePath, path)) {
			n++
		}
	}
	if n > 0 {
		w.config.Logger.Info("scan queued posts", "pile", w.pilePath, "count", n)
	}
	return n, nil
}

// watchFileEvents debounces file events per path.
func (w *PileWatcher) watchFileEvents() {
	defer w.wg.Done()

	events, errs := w.fw.Events(), w.fw.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.config.Logger.Debug("file event", "op", ev.Op, "kind", ev.Kind, "path", ev.Path)
			w.debounce(ev)

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.config.Logger.Warn("watcher error", "pile", w.pilePath, "error", err)
		}
	}
}

func (w *PileWatcher) debounce(ev FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	if t, ok := w.timers[ev.Path]; ok {
		t.Stop()
	}
	w.timers[ev.Path] = time.AfterFunc(w.config.FileDebounce, func() {
		if !w.begin() {
			return
		}
		defer w.wg.Done()

		w.mu.Lock()
		delete(w.timers, ev.Path)
		w.mu.Unlock()

		w.process(ev.Path, ev.Kind)
	})
}

// begin registers a timer callback unless the watcher is stopping.
func (w *PileWatcher) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}
	w.wg.Add(1)
	return true
}

// process classifies a settled change by whether the file still exists.
func (w *PileWatcher) process(path string, kind FileKind) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	switch kind {
	case KindPost:
		if exists {
			w.remember(path)
			w.enqueue(queue.UpsertPost(w.pilePath, path))
			return
		}
		w.mu.Lock()
		id := w.ids[path]
		delete(w.ids, path)
		w.mu.Unlock()
		w.enqueue(queue.TombstonePost(w.pilePath, id, path))

	case KindAttachment:
		ap, ok := schema.ParseAttachmentPath(w.pilePath, path)
		if !ok {
			return
		}
		if exists {
			w.enqueue(queue.UpsertAttachment(w.pilePath, ap.PostID, path))
			return
		}
		if ap.Hash == "" {
			// Raw drops are mirrored under their hash; that copy carries the catalogue row.
			return
		}
		w.enqueue(queue.DeleteAttachment(w.pilePath, ap.PostID, ap.Hash, ap.Filename))
	}
}

// remember records the post id of path for later tombstones.
func (w *PileWatcher) remember(path string) {
	id := schema.PostIDFromPath(path)
	if post, _, err := schema.ReadPost(path); err == nil && post.ID != "" {
		id = post.ID
	} else if err != nil && !errors.Is(err, schema.ErrMalformedFrontmatter) {
		w.config.Logger.Debug("failed to read post", "path", path, "error", err)
	}
	w.mu.Lock()
	w.ids[path] = id
	w.mu.Unlock()
}

func (w *PileWatcher) enqueue(op queue.Operation) bool {
	queued, err := w.config.Queue.Enqueue(op)
	if err != nil {
		w.config.Logger.Warn("failed to enqueue operation", "pile", w.pilePath, "type", op.Type, "error", err)
		return false
	}
	w.config.Logger.Debug("operation queued", "pile", w.pilePath, "op", queued.ID, "type", queued.Type)
	if w.config.OnEnqueue != nil {
		w.config.OnEnqueue(queued)
	}
	w.schedulePush()
	return true
}

// schedulePush (re)starts the per-pile push timer.
func (w *PileWatcher) schedulePush() {
	if w.config.Push == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.push != nil {
		w.push.Stop()
	}
	w.push = time.AfterFunc(w.config.PushDebounce, func() {
		if !w.begin() {
			return
		}
		defer w.wg.Done()
		w.config.Push(w.ctx, w.pilePath)
	})
}
