// Package blob stores attachment content in the remote object storage bucket.
//
// Keys are remote attachment paths of the form
// <userId>/piles/<pileId>/<postId>/<hash>-<filename>.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Bucket is the object storage bucket holding attachments.
const Bucket = "attachments"

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty, absolute, or escape the bucket.
var ErrInvalidKey = errors.New("invalid object key")

// Store is an object storage backend.
type Store interface {
	// Put stores size bytes read from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get writes the object stored under key to w.
	Get(ctx context.Context, key string, w io.Writer) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited URL granting read access to key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ValidateKey rejects keys that could address anything outside the bucket.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
