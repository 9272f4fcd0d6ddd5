// Package remotetest opens throwaway remote stores for tests of packages
// that sync against one.
package remotetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/testutil"
)

// UserID is the user owning rows created through Open stores.
const UserID = "user-1"

// Open returns a migrated SQLite store in a temp directory, closed on cleanup.
func Open(t *testing.T) *remote.SQLStore {
	t.Helper()
	s, err := remote.Open(context.Background(), remote.Config{
		Driver:      remote.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "remote.db"),
		AutoMigrate: true,
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("remote.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// CreatePile inserts a remote pile record with the given id.
func CreatePile(t *testing.T, s remote.Store, id string) *remote.Pile {
	t.Helper()
	p := &remote.Pile{ID: id, UserID: UserID, Name: id}
	if err := s.CreatePile(context.Background(), p); err != nil {
		t.Fatalf("CreatePile(%s) failed: %v", id, err)
	}
	return p
}
