package sync

import (
	"context"
	"errors"

	"github.com/pilesync/pilesync/internal/attachment"
	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/state"
)

// Errors returned by the reconcilers.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, sync.ErrStaleWrite) {
//	    // Another writer updated the post between read and write
//	}
var (
	// ErrStaleWrite is returned when a guarded update loses to a
	// concurrent writer whose version is not newer than ours.
	ErrStaleWrite = errors.New("remote post changed during update")

	// ErrInvalidIdentity is returned when a post id cannot be derived.
	ErrInvalidIdentity = errors.New("invalid post identity")

	// errDeferred marks an operation left in the queue untouched.
	errDeferred = errors.New("operation deferred")
)

// IsTransient returns true if the error is likely to succeed on retry.
// Network failures and lost optimistic locks are transient; so is anything
// not classified otherwise.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsIntegrity(err) && !IsPermanent(err)
}

// IsIntegrity returns true if the error means content could not be trusted:
// a hash mismatch on download, a malformed post file or a remote name that
// would escape the pile. Local state is never changed for such content.
func IsIntegrity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, attachment.ErrHashMismatch) {
		return true
	}
	if errors.Is(err, attachment.ErrUnverifiable) {
		return true
	}
	if errors.Is(err, schema.ErrMalformedFrontmatter) {
		return true
	}
	if errors.Is(err, schema.ErrInvalidPostID) {
		return true
	}
	if errors.Is(err, attachment.ErrUnsafeName) {
		return true
	}
	return false
}

// IsPermanent returns true if retrying cannot succeed without user action.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, state.ErrNotLinked) {
		return true
	}
	if errors.Is(err, queue.ErrInvalidOperation) {
		return true
	}
	if errors.Is(err, ErrInvalidIdentity) {
		return true
	}
	if errors.Is(err, blob.ErrInvalidKey) {
		return true
	}
	return false
}
