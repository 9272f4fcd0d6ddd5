// Package daemon watches piles for local changes and turns them into queued
// sync operations.
package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pilesync/pilesync/internal/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileKind represents whether the event is for a post or an attachment.
type FileKind int

const (
	// KindPost indicates a markdown post file.
	KindPost FileKind = iota
	// KindAttachment indicates a file under attachments/<postId>/.
	KindAttachment
)

// String returns a human-readable representation of the file kind.
func (k FileKind) String() string {
	switch k {
	case KindPost:
		return "post"
	case KindAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// Classify returns the kind of a pile path, or false for paths that are
// neither posts nor attachments.
func Classify(pilePath, path string) (FileKind, bool) {
	if schema.IsPostPath(pilePath, path) {
		return KindPost, true
	}
	if _, ok := schema.ParseAttachmentPath(pilePath, path); ok {
		return KindAttachment, true
	}
	return 0, false
}

// FileEvent represents a file system event for a post or attachment.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Kind indicates whether this is a post or an attachment.
	Kind FileKind
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// FileWatcher watches a pile tree recursively, skipping the metadata folder
// and hidden entries. Directories created while running are watched too.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan FileEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	pilePath string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the pile rooted at pilePath.
func (fw *FileWatcher) Start(pilePath string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(pilePath)
	if err != nil {
		return fmt.Errorf("failed to resolve pile path: %w", err)
	}
	fw.pilePath = abs

	if _, err := fw.addTree(abs); err != nil {
		return fmt.Errorf("failed to watch pile %s: %w", abs, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// addTree watches dir and every non-hidden directory below it and returns
// the files found along the way.
func (fw *FileWatcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish between the event and the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path != fw.pilePath && schema.Ignored(fw.pilePath, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return fw.watcher.Add(path)
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Closing the watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) emit(ev FileEvent) bool {
	select {
	case fw.events <- ev:
		return true
	case <-fw.done:
		return false
	}
}

// processEvents converts fsnotify events to FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) && !schema.Ignored(fw.pilePath, event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					files, err := fw.addTree(event.Name)
					if err != nil {
						select {
						case fw.errors <- err:
						case <-fw.done:
							return
						}
					}
					// Files moved in with the directory produce no events of their own.
					for _, f := range files {
						if kind, ok := Classify(fw.pilePath, f); ok {
							if !fw.emit(FileEvent{Path: f, Kind: kind, Op: OpCreate}) {
								return
							}
						}
					}
					continue
				}
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				if !fw.emit(fileEvent) {
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent, true) if the event should be processed,
// or (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	kind, ok := Classify(fw.pilePath, event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = OpDelete
	default:
		// Ignore chmod and other events
		return FileEvent{}, false
	}

	return FileEvent{
		Path: event.Name,
		Kind: kind,
		Op:   op,
	}, true
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
