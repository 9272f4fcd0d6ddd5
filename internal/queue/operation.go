// Package queue implements the durable, retryable operation log that feeds
// the push reconciler.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// OpType identifies the kind of local change an operation carries.
type OpType string

const (
	// OpUpsertPost creates or updates a post remotely.
	OpUpsertPost OpType = "upsertPost"
	// OpTombstonePost soft-deletes a post remotely.
	OpTombstonePost OpType = "tombstonePost"
	// OpUpsertAttachment uploads an attachment.
	OpUpsertAttachment OpType = "upsertAttachment"
	// OpDeleteAttachment soft-deletes an attachment.
	OpDeleteAttachment OpType = "deleteAttachment"
)

// ErrInvalidOperation is returned for operations missing required fields.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a queued local change.
//
// The populated fields depend on Type:
//   - upsertPost: FilePath
//   - tombstonePost: PostID or FilePath
//   - upsertAttachment: PostID, FilePath
//   - deleteAttachment: PostID, Hash, Filename
type Operation struct {
	ID       string `json:"id"`
	Type     OpType `json:"type"`
	PilePath string `json:"pilePath"`
	PostID   string `json:"postId,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Filename string `json:"filename,omitempty"`
	Etag     string `json:"etag,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// UpsertPost returns an operation pushing the post at filePath.
func UpsertPost(pilePath, filePath string) Operation {
	return Operation{Type: OpUpsertPost, PilePath: pilePath, FilePath: filePath}
}

// TombstonePost returns an operation soft-deleting a post. postID may be
// empty when the deleted file's identity is unknown; the reconciler then
// falls back to the filename.
func TombstonePost(pilePath, postID, filePath string) Operation {
	return Operation{Type: OpTombstonePost, PilePath: pilePath, PostID: postID, FilePath: filePath}
}

// UpsertAttachment returns an operation uploading the file at filePath.
func UpsertAttachment(pilePath, postID, filePath string) Operation {
	return Operation{Type: OpUpsertAttachment, PilePath: pilePath, PostID: postID, FilePath: filePath}
}

// DeleteAttachment returns an operation soft-deleting an attachment.
func DeleteAttachment(pilePath, postID, hash, filename string) Operation {
	return Operation{Type: OpDeleteAttachment, PilePath: pilePath, PostID: postID, Hash: hash, Filename: filename}
}

// Validate checks that the fields required by the operation type are set.
func (op *Operation) Validate() error {
	if op.PilePath == "" {
		return fmt.Errorf("%w: pilePath is required", ErrInvalidOperation)
	}
	switch op.Type {
	case OpUpsertPost:
		if op.FilePath == "" {
			return fmt.Errorf("%w: upsertPost requires filePath", ErrInvalidOperation)
		}
	case OpTombstonePost:
		if op.PostID == "" && op.FilePath == "" {
			return fmt.Errorf("%w: tombstonePost requires postId or filePath", ErrInvalidOperation)
		}
	case OpUpsertAttachment:
		if op.PostID == "" || op.FilePath == "" {
			return fmt.Errorf("%w: upsertAttachment requires postId and filePath", ErrInvalidOperation)
		}
	case OpDeleteAttachment:
		if op.PostID == "" || op.Hash == "" || op.Filename == "" {
			return fmt.Errorf("%w: deleteAttachment requires postId, hash and filename", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// sameChange reports whether two operations describe the same change.
func (op *Operation) sameChange(other *Operation) bool {
	return op.Type == other.Type &&
		op.PilePath == other.PilePath &&
		op.PostID == other.PostID &&
		op.FilePath == other.FilePath &&
		op.Hash == other.Hash &&
		op.Filename == other.Filename
}
