// Package conflict detects concurrent edits of a post and records them until
// the user picks a resolution.
//
// Each pile keeps its conflicts under <pile>/.pile/conflicts:
//
//	registry.json       array of conflict records
//	<id>-local.md       local text at detection time
//	<id>-remote.md      remote text at detection time
//
// At most one active conflict exists per post. A repeated detection refreshes
// the active record and its artifacts in place. Resolving a conflict flips
// its status, clears its content and deletes the artifacts.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/state"
)

// RegistryFile is the registry file name inside the conflicts folder.
const RegistryFile = "registry.json"

// ErrNoConflict is returned when a post has no active conflict.
var ErrNoConflict = errors.New("no active conflict")

// Status is the lifecycle state of a conflict.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Type classifies how the two sides diverged.
type Type string

const (
	// TypeConcurrentEdit means both sides changed the post since the last pull.
	TypeConcurrentEdit Type = "concurrent_edit"
	// TypeStalePush means a push lost to a newer remote version.
	TypeStalePush Type = "stale_push"
)

// Choice is a resolution option.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerged Choice = "merged"
)

// ParseChoice validates a resolution option.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceLocal, ChoiceRemote, ChoiceMerged:
		return c, nil
	default:
		return "", fmt.Errorf("invalid choice %q (want local, remote or merged)", s)
	}
}

// Conflict is a recorded divergence between the local and remote version of a post.
//
// LocalContent and RemoteContent live in the artifact files, not in the
// registry. They are populated by Get and Inspect.
type Conflict struct {
	ID              string    `json:"id"`
	PostID          string    `json:"postId"`
	Type            Type      `json:"conflictType"`
	Status          Status    `json:"status"`
	LocalUpdatedAt  time.Time `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time `json:"remoteUpdatedAt"`
	LocalEtag       string    `json:"localEtag,omitempty"`
	RemoteEtag      string    `json:"remoteEtag,omitempty"`
	DetectedAt      time.Time `json:"detectedAt"`
	ResolvedAt      time.Time `json:"resolvedAt,omitzero"`
	Resolution      Choice    `json:"resolution,omitempty"`

	LocalContent  string `json:"-"`
	RemoteContent string `json:"-"`
}

// RemoteNewer reports whether the remote side was updated strictly later.
func (c *Conflict) RemoteNewer() bool {
	return c.RemoteUpdatedAt.After(c.LocalUpdatedAt)
}

// Input describes the two versions of a post handed to Detect.
type Input struct {
	PostID          string
	LocalContent    string
	RemoteContent   string
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	// Etags are optional. When both are set they are compared instead of
	// hashing the content.
	LocalEtag  string
	RemoteEtag string
	Type       Type
}

// Enqueuer receives the push scheduled after a resolution.
type Enqueuer interface {
	Enqueue(op queue.Operation) (queue.Operation, error)
}

// Config configures a Manager.
type Config struct {
	// State provides the pull checkpoint that separates old from new edits.
	State *state.Manager
	// Queue receives an upsertPost after remote or merged resolutions.
	Queue  Enqueuer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager tracks the conflicts of one pile.
type Manager struct {
	mu       sync.Mutex
	pilePath string
	dir      string
	state    *state.Manager
	queue    Enqueuer
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Manager for the pile rooted at pilePath.
func New(pilePath string, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := cfg.State
	if st == nil {
		st = state.NewManager(pilePath, cfg.Clock)
	}
	return &Manager{
		pilePath: pilePath,
		dir:      schema.MetaPath(pilePath, schema.ConflictsDir),
		state:    st,
		queue:    cfg.Queue,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
	}
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.dir, RegistryFile)
}

func (m *Manager) artifactPath(id, side string) string {
	return filepath.Join(m.dir, id+"-"+side+".md")
}

func (m *Manager) load() ([]*Conflict, error) {
	data, err := os.ReadFile(m.registryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict registry: %w", err)
	}
	var conflicts []*Conflict
	if err := json.Unmarshal(data, &conflicts); err != nil {
		return nil, fmt.Errorf("failed to parse conflict registry: %w", err)
	}
	return conflicts, nil
}

func (m *Manager) save(conflicts []*Conflict) error {
	if conflicts == nil {
		conflicts = []*Conflict{}
	}
	data, err := json.MarshalIndent(conflicts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conflict registry: %w", err)
	}
	return schema.WriteFileAtomic(m.registryPath(), data, 0644)
}

func findActive(conflicts []*Conflict, postID string) *Conflict {
	for _, c := range conflicts {
		if c.PostID == postID && c.Status == StatusActive {
			return c
		}
	}
	return nil
}

// Detect decides whether the two versions of a post conflict, and records
// the conflict if they do. It returns nil when there is no conflict:
//
//  1. before the first pull;
//  2. when only one side changed since the last pull;
//  3. when both sides changed to the same content.
func (m *Manager) Detect(in Input) (*Conflict, error) {
	if err := schema.CheckPostID(in.PostID); err != nil {
		return nil, err
	}
	cp, err := m.state.Load()
	if err != nil {
		return nil, err
	}
	if !cp.HasPulled() {
		return nil, nil
	}

	localChanged := in.LocalUpdatedAt.After(cp.LastPulledAt)
	remoteChanged := in.RemoteUpdatedAt.After(cp.LastPulledAt)
	if !localChanged || !remoteChanged {
		return nil, nil
	}

	localHash, remoteHash := in.LocalEtag, in.RemoteEtag
	if localHash == "" || remoteHash == "" {
		localHash = schema.HashBytes([]byte(in.LocalContent))
		remoteHash = schema.HashBytes([]byte(in.RemoteContent))
	}
	if localHash == remoteHash {
		return nil, nil
	}

	return m.record(in, localHash, remoteHash)
}

func (m *Manager) record(in Input, localHash, remoteHash string) (*Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflicts, err := m.load()
	if err != nil {
		return nil, err
	}

	typ := in.Type
	if typ == "" {
		typ = TypeConcurrentEdit
	}
	c := findActive(conflicts, in.PostID)
	if c == nil {
		c = &Conflict{
			ID:     uuid.NewString(),
			PostID: in.PostID,
			Status: StatusActive,
		}
		conflicts = append(conflicts, c)
	}
	c.Type = typ
	c.LocalUpdatedAt = in.LocalUpdatedAt.UTC()
	c.RemoteUpdatedAt = in.RemoteUpdatedAt.UTC()
	c.LocalEtag = localHash
	c.RemoteEtag = remoteHash
	c.DetectedAt = m.clock.Now().UTC()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conflicts directory: %w", err)
	}
	if err := schema.WriteFileAtomic(m.artifactPath(c.ID, "local"), []byte(in.LocalContent), 0644); err != nil {
		return nil, err
	}
	if err := schema.WriteFileAtomic(m.artifactPath(c.ID, "remote"), []byte(in.RemoteContent), 0644); err != nil {
		return nil, err
	}
	if err := m.save(conflicts); err != nil {
		return nil, err
	}

	m.logger.Info("conflict detected", "pile", m.pilePath, "post", in.PostID, "conflict", c.ID)
	out := *c
	out.LocalContent = in.LocalContent
	out.RemoteContent = in.RemoteContent
	return &out, nil
}

// List returns conflicts ordered by detection time. Resolved conflicts are
// included only when all is set.
func (m *Manager) List(all bool) ([]*Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflicts, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if all || c.Status == StatusActive {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

// ActiveCount returns the number of active conflicts.
func (m *Manager) ActiveCount() (int, error) {
	active, err := m.List(false)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// HasActive reports whether postID has an unresolved conflict.
func (m *Manager) HasActive(postID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflicts, err := m.load()
	if err != nil {
		return false, err
	}
	return findActive(conflicts, postID) != nil, nil
}

// Get returns the active conflict of postID with its content loaded.
func (m *Manager) Get(postID string) (*Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(postID)
}

func (m *Manager) get(postID string) (*Conflict, error) {
	conflicts, err := m.load()
	if err != nil {
		return nil, err
	}
	c := findActive(conflicts, postID)
	if c == nil {
		return nil, fmt.Errorf("post %s: %w", postID, ErrNoConflict)
	}

	local, err := os.ReadFile(m.artifactPath(c.ID, "local"))
	if err != nil {
		return nil, fmt.Errorf("failed to read local artifact: %w", err)
	}
	remote, err := os.ReadFile(m.artifactPath(c.ID, "remote"))
	if err != nil {
		return nil, fmt.Errorf("failed to read remote artifact: %w", err)
	}
	c.LocalContent = string(local)
	c.RemoteContent = string(remote)
	return c, nil
}

// Inspection is a conflict together with the diff from local to remote.
type Inspection struct {
	Conflict *Conflict
	Diffs    []diffmatchpatch.Diff
	// Patch is the diff in patch text format.
	Patch string
}

// Inspect returns the active conflict of postID with a line diff.
func (m *Manager) Inspect(postID string) (*Inspection, error) {
	c, err := m.Get(postID)
	if err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(c.LocalContent, c.RemoteContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	return &Inspection{
		Conflict: c,
		Diffs:    diffs,
		Patch:    dmp.PatchToText(dmp.PatchMake(c.LocalContent, diffs)),
	}, nil
}

// Resolution is the user's decision for a conflict.
type Resolution struct {
	Choice Choice
	// MergedContent is required for ChoiceMerged. Without a frontmatter
	// block the local frontmatter is kept.
	MergedContent string
}

// Resolve writes the chosen content to the post file, marks the conflict
// resolved and deletes its artifacts. Every choice schedules a push of the
// result; a remote choice pushes content the remote already has and is
// acked as a no-op.
func (m *Manager) Resolve(postID string, res Resolution) (*Conflict, error) {
	if _, err := ParseChoice(string(res.Choice)); err != nil {
		return nil, err
	}
	if res.Choice == ChoiceMerged && res.MergedContent == "" {
		return nil, fmt.Errorf("merged resolution requires content")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(postID)
	if err != nil {
		return nil, err
	}

	content, err := m.chosenContent(c, res)
	if err != nil {
		return nil, err
	}

	target, err := m.postPath(postID)
	if err != nil {
		return nil, err
	}
	if err := schema.WriteFileAtomic(target, content, 0644); err != nil {
		return nil, err
	}

	conflicts, err := m.load()
	if err != nil {
		return nil, err
	}
	stored := findActive(conflicts, postID)
	if stored == nil {
		return nil, fmt.Errorf("post %s: %w", postID, ErrNoConflict)
	}
	stored.Status = StatusResolved
	stored.Resolution = res.Choice
	stored.ResolvedAt = m.clock.Now().UTC()
	if err := m.save(conflicts); err != nil {
		return nil, err
	}

	for _, side := range []string{"local", "remote"} {
		if err := os.Remove(m.artifactPath(stored.ID, side)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove conflict artifact", "conflict", stored.ID, "error", err)
		}
	}

	if m.queue != nil {
		if _, err := m.queue.Enqueue(queue.UpsertPost(m.pilePath, target)); err != nil {
			return nil, fmt.Errorf("failed to schedule push of resolution: %w", err)
		}
	}

	m.logger.Info("conflict resolved", "pile", m.pilePath, "post", postID, "choice", res.Choice)
	out := *stored
	return &out, nil
}

func (m *Manager) chosenContent(c *Conflict, res Resolution) ([]byte, error) {
	if res.Choice == ChoiceRemote {
		return []byte(c.RemoteContent), nil
	}

	post, err := schema.ParsePost([]byte(c.LocalContent))
	if err != nil {
		return nil, err
	}
	if res.Choice == ChoiceMerged {
		merged, err := schema.ParsePost([]byte(res.MergedContent))
		if err != nil {
			return nil, err
		}
		if merged.HasFrontmatter {
			post = merged
		} else {
			post.Body = merged.Body
		}
	}
	if post.ID == "" {
		post.ID = c.PostID
	}
	// Keeping or merging is a new edit and must win the next push against
	// the remote version pulled in the meantime.
	post.UpdatedAt = schema.Timestamp(m.clock.Now())
	post.Etag = post.ContentEtag()
	return post.Render()
}

// postPath returns the file holding postID, or <pile>/<postID>.md.
func (m *Manager) postPath(postID string) (string, error) {
	if err := schema.CheckPostID(postID); err != nil {
		return "", err
	}
	index, err := schema.IndexPile(m.pilePath)
	if err != nil {
		return "", err
	}
	if p, ok := index[postID]; ok {
		return p, nil
	}
	return filepath.Join(m.pilePath, postID+schema.PostExt), nil
}
