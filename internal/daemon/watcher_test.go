package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilesync/pilesync/internal/testutil"
)

// TestNewFileWatcher verifies that creating a new FileWatcher succeeds.
func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

// TestFileWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestFileWatcher_StartStop(t *testing.T) {
	pile := testutil.NewPile(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(pile); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Start(pile); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

func startWatcher(t *testing.T, pile string) *FileWatcher {
	t.Helper()
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(pile); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { fw.Stop() })
	return fw
}

// waitForEvent returns the first event matching path, failing after timeout.
func waitForEvent(t *testing.T, fw *FileWatcher, path string, op EventOp) FileEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			if ev.Path == path && ev.Op == op {
				return ev
			}
		case err := <-fw.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatalf("timeout waiting for %s of %s", op, path)
		}
	}
}

func TestFileWatcher_PostEvents(t *testing.T) {
	pile := testutil.NewPile(t)
	fw := startWatcher(t, pile)

	path := filepath.Join(pile, "entry.md")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	ev := waitForEvent(t, fw, path, OpCreate)
	if ev.Kind != KindPost {
		t.Errorf("Kind = %s, want post", ev.Kind)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitForEvent(t, fw, path, OpDelete)
}

func TestFileWatcher_NewDirectories(t *testing.T) {
	pile := testutil.NewPile(t)
	fw := startWatcher(t, pile)

	dir := filepath.Join(pile, "2024", "january")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	// Give the watcher a moment to add the new directories.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "nested.md")
	if err := os.WriteFile(path, []byte("nested"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitForEvent(t, fw, path, OpCreate)
}

func TestFileWatcher_Attachments(t *testing.T) {
	pile := testutil.NewPile(t)
	postDir := filepath.Join(pile, "attachments", "post-1")
	if err := os.MkdirAll(postDir, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	fw := startWatcher(t, pile)

	path := filepath.Join(postDir, "photo.png")
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	ev := waitForEvent(t, fw, path, OpCreate)
	if ev.Kind != KindAttachment {
		t.Errorf("Kind = %s, want attachment", ev.Kind)
	}
}

func TestFileWatcher_IgnoresMetadata(t *testing.T) {
	pile := testutil.NewPile(t)
	meta := filepath.Join(pile, ".pile")
	if err := os.MkdirAll(meta, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	fw := startWatcher(t, pile)

	for _, p := range []string{
		filepath.Join(meta, "sync.json"),
		filepath.Join(meta, "notes.md"),
		filepath.Join(pile, ".hidden.md"),
		filepath.Join(pile, "readme.txt"),
	} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	select {
	case ev := <-fw.Events():
		t.Errorf("unexpected event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	pile := "/piles/journal"
	tests := []struct {
		path string
		kind FileKind
		ok   bool
	}{
		{"/piles/journal/a.md", KindPost, true},
		{"/piles/journal/sub/b.md", KindPost, true},
		{"/piles/journal/attachments/p1/x.png", KindAttachment, true},
		{"/piles/journal/attachments/p1/notes.md", KindAttachment, true},
		{"/piles/journal/attachments/x.png", 0, false},
		{"/piles/journal/.pile/sync.json", 0, false},
		{"/piles/journal/a.txt", 0, false},
		{"/elsewhere/a.md", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, ok := Classify(pile, tt.path)
			if ok != tt.ok || (ok && kind != tt.kind) {
				t.Errorf("Classify(%s) = %s, %v; want %s, %v", tt.path, kind, ok, tt.kind, tt.ok)
			}
		})
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
