// Package state persists the per-pile sync checkpoint at <pile>/.pile/sync.json.
//
// The checkpoint is the single source of truth for what has been reconciled
// between a pile and its remote record. Pull and push markers only move
// forward: an attempt to advance them to an earlier position is ignored.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/schema"
)

// FileName is the checkpoint file name inside the pile metadata folder.
const FileName = "sync.json"

// ErrNotLinked is returned by operations that require a linked pile.
var ErrNotLinked = errors.New("pile is not linked to a remote")

// Checkpoint records sync progress for one pile.
type Checkpoint struct {
	Linked         bool      `json:"linked"`
	RemotePileID   string    `json:"remotePileId,omitempty"`
	LastPulledAt   time.Time `json:"lastPulledAt,omitzero"`
	LastPulledID   string    `json:"lastPulledId,omitempty"`
	LastPushedAt   time.Time `json:"lastPushedAt,omitzero"`
	LastPushedEtag string    `json:"lastPushedEtag,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt,omitzero"`
}

// HasPulled reports whether any pull has completed.
func (c *Checkpoint) HasPulled() bool {
	return !c.LastPulledAt.IsZero()
}

// Empty reports whether nothing has been reconciled yet.
func (c *Checkpoint) Empty() bool {
	return c.LastPulledAt.IsZero() && c.LastPushedAt.IsZero()
}

// After reports whether the pair (at, id) sorts strictly after the pull cursor.
func (c *Checkpoint) After(at time.Time, id string) bool {
	if at.After(c.LastPulledAt) {
		return true
	}
	return at.Equal(c.LastPulledAt) && id > c.LastPulledID
}

// Manager reads and writes the checkpoint of a single pile.
type Manager struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
}

// NewManager creates a Manager for the pile rooted at pilePath.
func NewManager(pilePath string, c clock.Clock) *Manager {
	return &Manager{
		path:  schema.MetaPath(pilePath, FileName),
		clock: clock.Or(c),
	}
}

// Path returns the checkpoint file path.
func (m *Manager) Path() string {
	return m.path
}

// Load returns the current checkpoint. A missing file yields an empty checkpoint.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() (*Checkpoint, error) {
	// #nosec G304 - path derived from the pile root
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", m.path, err)
	}
	return &cp, nil
}

func (m *Manager) save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := schema.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// update applies fn to the stored checkpoint and writes it back.
func (m *Manager) update(fn func(cp *Checkpoint) bool) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.load()
	if err != nil {
		return nil, err
	}
	if !fn(cp) {
		return cp, nil
	}
	if err := m.save(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Link marks the pile as linked to remotePileID. Linking to a different
// remote record resets the pull and push markers.
func (m *Manager) Link(remotePileID string) (*Checkpoint, error) {
	if remotePileID == "" {
		return nil, fmt.Errorf("remote pile id cannot be empty")
	}
	return m.update(func(cp *Checkpoint) bool {
		if cp.RemotePileID != remotePileID {
			*cp = Checkpoint{}
		}
		cp.Linked = true
		cp.RemotePileID = remotePileID
		return true
	})
}

// Unlink clears the linkage and all markers.
func (m *Manager) Unlink() error {
	_, err := m.update(func(cp *Checkpoint) bool {
		*cp = Checkpoint{}
		return true
	})
	return err
}

// Linked returns the checkpoint of a linked pile, or ErrNotLinked.
func (m *Manager) Linked() (*Checkpoint, error) {
	cp, err := m.Load()
	if err != nil {
		return nil, err
	}
	if !cp.Linked || cp.RemotePileID == "" {
		return nil, ErrNotLinked
	}
	return cp, nil
}

// AdvancePull moves the pull cursor to (at, id) if that pair sorts after the
// current cursor. It reports whether the cursor moved.
func (m *Manager) AdvancePull(at time.Time, id string) (bool, error) {
	moved := false
	_, err := m.update(func(cp *Checkpoint) bool {
		at = at.UTC()
		if !cp.After(at, id) {
			return false
		}
		cp.LastPulledAt = at
		cp.LastPulledID = id
		moved = true
		return true
	})
	return moved, err
}

// AdvancePush records a successful push. The timestamp never moves backward.
func (m *Manager) AdvancePush(at time.Time, etag string) error {
	_, err := m.update(func(cp *Checkpoint) bool {
		at = at.UTC()
		if at.Before(cp.LastPushedAt) {
			return false
		}
		cp.LastPushedAt = at
		if etag != "" {
			cp.LastPushedEtag = etag
		}
		return true
	})
	return err
}

// RecordError stores the last sync error for status reporting.
// A nil error clears it.
func (m *Manager) RecordError(cause error) error {
	_, err := m.update(func(cp *Checkpoint) bool {
		if cause == nil {
			if cp.LastError == "" {
				return false
			}
			cp.LastError = ""
			cp.LastErrorAt = time.Time{}
			return true
		}
		cp.LastError = cause.Error()
		cp.LastErrorAt = m.clock.Now().UTC()
		return true
	})
	return err
}
