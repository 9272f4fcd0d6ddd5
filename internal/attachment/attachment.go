// Package attachment replicates content-addressed attachment files between a
// pile and the remote catalogue plus blob storage.
//
// Locally an attachment lives at attachments/<postId>/<hash>-<filename>.
// Remotely it is a catalogue row keyed by (postId, hash, filename) pointing
// at <userId>/piles/<pileId>/<postId>/<hash>-<filename> in the blob bucket.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/clock"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/state"
)

// ErrHashMismatch is returned when downloaded content does not match the
// catalogued hash. The downloaded bytes are discarded.
var ErrHashMismatch = errors.New("attachment hash mismatch")

// ErrUnverifiable is returned when no hash is known for a remote path.
var ErrUnverifiable = errors.New("attachment hash unknown")

// ErrUnsafeName is returned when a remote attachment would land outside its
// post directory.
var ErrUnsafeName = errors.New("unsafe attachment name")

// DefaultWorkers is the number of concurrent downloads during a pull.
const DefaultWorkers = 3

// DefaultURLTTL is the lifetime of signed URLs when none is configured.
const DefaultURLTTL = 15 * time.Minute

// Pile identifies the local and remote side of a linked pile.
type Pile struct {
	Path     string
	RemoteID string
}

// Config configures a Manager.
type Config struct {
	Remote remote.Store
	Blobs  blob.Store
	UserID string

	// Workers bounds concurrent downloads in PullForPosts.
	Workers int
	// Limiter throttles remote calls. Nil means unlimited.
	Limiter *rate.Limiter
	URLTTL  time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Manager uploads, downloads and deletes attachments.
type Manager struct {
	remote  remote.Store
	blobs   blob.Store
	userID  string
	workers int
	limiter *rate.Limiter
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		remote:  cfg.Remote,
		blobs:   cfg.Blobs,
		userID:  cfg.UserID,
		workers: cfg.Workers,
		limiter: cfg.Limiter,
		ttl:     cfg.URLTTL,
		clock:   clock.Or(cfg.Clock),
		logger:  cfg.Logger,
	}
	if m.workers <= 0 {
		m.workers = DefaultWorkers
	}
	if m.ttl <= 0 {
		m.ttl = DefaultURLTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}

// Upload replicates the file at localPath as an attachment of postID.
//
// A catalogue row with the same (postId, hash, filename) is reused without
// uploading again. The file is always mirrored to its content-addressed
// local path.
func (m *Manager) Upload(ctx context.Context, pile Pile, postID, localPath string) (*remote.Attachment, error) {
	if pile.RemoteID == "" {
		return nil, state.ErrNotLinked
	}
	if postID == "" {
		return nil, fmt.Errorf("upload %s: post id is required", localPath)
	}

	hash, size, err := schema.HashFile(localPath)
	if err != nil {
		return nil, err
	}
	filename := filepath.Base(localPath)
	if _, name, ok := schema.SplitAttachmentName(filename); ok {
		filename = name
	}

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	att, err := m.remote.FindAttachment(ctx, postID, hash, filename)
	switch {
	case err == nil:
		m.logger.Debug("attachment already catalogued", "post", postID, "file", filename, "path", att.StoragePath)
	case errors.Is(err, remote.ErrNotFound):
		att, err = m.put(ctx, pile, postID, localPath, hash, filename, size)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := mirror(localPath, schema.AttachmentLocalPath(pile.Path, postID, hash, filename)); err != nil {
		return nil, err
	}
	return att, nil
}

func (m *Manager) put(ctx context.Context, pile Pile, postID, localPath, hash, filename string, size int64) (*remote.Attachment, error) {
	storagePath := schema.AttachmentRemotePath(m.userID, pile.RemoteID, postID, hash, filename)
	mimeType := mime.TypeByExtension(filepath.Ext(filename))

	// #nosec G304 - path comes from the pile tree
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.blobs.Put(ctx, storagePath, f, size, mimeType); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", filename, err)
	}

	now := m.clock.Now().UTC()
	att := &remote.Attachment{
		ID:          uuid.NewString(),
		PostID:      postID,
		PileID:      pile.RemoteID,
		Filename:    filename,
		ContentHash: hash,
		Size:        size,
		MimeType:    mimeType,
		StoragePath: storagePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.remote.InsertAttachment(ctx, att); err != nil {
		return nil, err
	}
	m.logger.Info("attachment uploaded", "post", postID, "file", filename, "size", size)
	return att, nil
}

// mirror copies src to dst unless dst already holds the same file.
func mirror(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	// #nosec G304 - path comes from the pile tree
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return schema.WriteFileAtomic(dst, data, 0644)
}

// Download fetches the blob at remotePath into the content-addressed local
// path of postID and reports whether a transfer happened.
//
// expectedHash may be empty, in which case the catalogued hash is used.
// Content that does not hash to the expected value is deleted and
// ErrHashMismatch returned.
func (m *Manager) Download(ctx context.Context, pile Pile, postID, remotePath, expectedHash string) (string, bool, error) {
	hash, filename, err := m.resolveHash(ctx, remotePath, expectedHash)
	if err != nil {
		return "", false, err
	}
	if !schema.IsUUID(postID) || !schema.SafeName(schema.AttachmentName(hash, filename)) {
		return "", false, fmt.Errorf("%w: post %q, file %q", ErrUnsafeName, postID, filename)
	}
	dest := schema.AttachmentLocalPath(pile.Path, postID, hash, filename)

	if existing, _, err := schema.HashFile(dest); err == nil && existing == hash {
		return dest, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", false, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := m.wait(ctx); err != nil {
		tmp.Close()
		return "", false, err
	}
	h := sha256.New()
	if err := m.blobs.Get(ctx, remotePath, io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("failed to close temp file: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		m.logger.Warn("discarding attachment with wrong hash", "path", remotePath, "want", hash, "got", got)
		return "", false, fmt.Errorf("%w: %s: want %s, got %s", ErrHashMismatch, remotePath, hash, got)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", false, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return dest, true, nil
}

func (m *Manager) resolveHash(ctx context.Context, remotePath, expectedHash string) (string, string, error) {
	hash, filename, prefixed := schema.SplitAttachmentName(path.Base(remotePath))

	if expectedHash != "" {
		return expectedHash, filename, nil
	}
	if err := m.wait(ctx); err != nil {
		return "", "", err
	}
	att, err := m.remote.FindAttachmentByPath(ctx, remotePath)
	switch {
	case err == nil:
		return att.ContentHash, att.Filename, nil
	case errors.Is(err, remote.ErrNotFound) && prefixed:
		return hash, filename, nil
	case errors.Is(err, remote.ErrNotFound):
		return "", "", fmt.Errorf("%w: %s", ErrUnverifiable, remotePath)
	default:
		return "", "", err
	}
}

// Delete soft-deletes the catalogue row for (postID, hash, filename) and
// removes the blob. Blob removal is best effort. Unknown attachments are
// ignored.
func (m *Manager) Delete(ctx context.Context, postID, hash, filename string) error {
	if hash == "" {
		// Never uploaded under this name.
		return nil
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	att, err := m.remote.FindAttachment(ctx, postID, hash, filename)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.remote.SoftDeleteAttachment(ctx, att.ID, m.clock.Now().UTC()); err != nil {
		return err
	}
	if err := m.blobs.Delete(ctx, att.StoragePath); err != nil {
		m.logger.Warn("failed to delete attachment blob", "path", att.StoragePath, "error", err)
	}
	return nil
}

// List returns the live catalogue rows of postID.
func (m *Manager) List(ctx context.Context, postID string) ([]*remote.Attachment, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.remote.ListAttachments(ctx, postID)
}

// SignedURL returns a time-limited read URL for a catalogued attachment.
// A ttl of zero uses the configured default.
func (m *Manager) SignedURL(ctx context.Context, remotePath string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if _, err := m.remote.FindAttachmentByPath(ctx, remotePath); err != nil {
		return "", err
	}
	return m.blobs.SignedURL(ctx, remotePath, ttl)
}

// PullResult summarizes attachment downloads for a batch of posts.
type PullResult struct {
	Downloaded int
	Skipped    int
	Failed     int
	Errors     []error
}

// PullForPosts downloads the live attachments of every post in postIDs with
// bounded concurrency. Individual failures are collected, not returned.
func (m *Manager) PullForPosts(ctx context.Context, pile Pile, postIDs []string) *PullResult {
	var (
		mu     sync.Mutex
		result PullResult
	)
	fail := func(err error) {
		mu.Lock()
		result.Failed++
		result.Errors = append(result.Errors, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, postID := range postIDs {
		atts, err := m.List(ctx, postID)
		if err != nil {
			fail(fmt.Errorf("post %s: %w", postID, err))
			continue
		}
		for _, att := range atts {
			g.Go(func() error {
				_, transferred, err := m.Download(gctx, pile, postID, att.StoragePath, att.ContentHash)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					result.Failed++
					result.Errors = append(result.Errors, err)
					m.logger.Warn("attachment download failed", "post", postID, "file", att.Filename, "error", err)
				case transferred:
					result.Downloaded++
				default:
					result.Skipped++
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return &result
}
