package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/pilesync/pilesync/internal/schema"
)

// LockFile is the per-pile process lock inside the metadata folder.
const LockFile = "sync.lock"

// ErrPileLocked is returned when another process is syncing or watching
// the pile.
var ErrPileLocked = errors.New("pile is locked by another process")

// pileLock is a reentrant holder of the pile's file lock. The first acquire
// takes the file lock; the last release drops it.
type pileLock struct {
	mu   sync.Mutex
	file *flock.Flock
	refs int
}

func newPileLock(pilePath string) *pileLock {
	return &pileLock{file: flock.New(schema.MetaPath(pilePath, LockFile))}
}

func (l *pileLock) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		if err := os.MkdirAll(filepath.Dir(l.file.Path()), 0755); err != nil {
			return fmt.Errorf("failed to create metadata folder: %w", err)
		}
		locked, err := l.file.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire pile lock: %w", err)
		}
		if !locked {
			return ErrPileLocked
		}
	}
	l.refs++
	return nil
}

func (l *pileLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return
	}
	l.refs--
	if l.refs == 0 {
		_ = l.file.Unlock()
	}
}
