// Package remote provides access to the remote relational store that piles
// are synchronized with.
//
// The store holds three tables:
//   - piles: one row per linked pile
//   - posts: one row per post, soft-deleted through deleted_at
//   - attachments: the attachment catalogue, soft-deleted through deleted_at
//
// Deployments differ in the posts column set (content vs content_md, and the
// optional etag, user_id and meta columns). The column set is probed once per
// connection and every query adapts to it.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Pile is a remote pile record.
type Pile struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Post is a remote post row.
type Post struct {
	ID        string
	PileID    string
	UserID    string
	Title     string
	Content   string
	Etag      string
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	// rawUpdatedAt is updated_at exactly as stored, used to guard updates.
	rawUpdatedAt string
}

// Deleted reports whether the post carries a tombstone.
func (p *Post) Deleted() bool {
	return p.DeletedAt != nil
}

// Attachment is a row of the attachment catalogue.
type Attachment struct {
	ID          string
	PostID      string
	PileID      string
	Filename    string
	ContentHash string
	Size        int64
	MimeType    string
	StoragePath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Cursor is a position in the (updated_at, id) order of posts.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Columns describes the posts column set of a deployment.
type Columns struct {
	// Content is "content" or "content_md".
	Content   string
	HasEtag   bool
	HasUserID bool
	HasMeta   bool
}

// Store is the remote relational store.
type Store interface {
	// Columns returns the probed posts column set.
	Columns(ctx context.Context) (Columns, error)

	GetPile(ctx context.Context, id string) (*Pile, error)
	CreatePile(ctx context.Context, pile *Pile) error

	GetPost(ctx context.Context, id string) (*Post, error)
	InsertPost(ctx context.Context, post *Post) error
	// UpdatePostGuarded replaces post only if the stored row still matches
	// prev's etag and updated_at. It reports whether the row was updated.
	UpdatePostGuarded(ctx context.Context, post *Post, prev *Post) (bool, error)
	// TombstonePost sets deleted_at and updated_at. It returns ErrNotFound
	// if the post does not exist.
	TombstonePost(ctx context.Context, id string, at time.Time) error
	// ListPostsSince returns posts of pileID strictly after the cursor in
	// ascending (updated_at, id) order, tombstoned rows included.
	ListPostsSince(ctx context.Context, pileID string, after Cursor, limit int) ([]*Post, error)

	FindAttachment(ctx context.Context, postID, hash, filename string) (*Attachment, error)
	FindAttachmentByPath(ctx context.Context, storagePath string) (*Attachment, error)
	InsertAttachment(ctx context.Context, att *Attachment) error
	ListAttachments(ctx context.Context, postID string) ([]*Attachment, error)
	SoftDeleteAttachment(ctx context.Context, id string, at time.Time) error

	Close() error
}
