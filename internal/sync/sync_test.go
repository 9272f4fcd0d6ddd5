package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pilesync/pilesync/internal/attachment"
	"github.com/pilesync/pilesync/internal/blob"
	"github.com/pilesync/pilesync/internal/conflict"
	"github.com/pilesync/pilesync/internal/queue"
	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/remote/remotetest"
	"github.com/pilesync/pilesync/internal/schema"
	"github.com/pilesync/pilesync/internal/state"
	"github.com/pilesync/pilesync/internal/testutil"
)

const (
	remotePileID = "0b7e6a52-3c1d-4f8e-9a2b-5c4d3e2f1a0b"
	postA        = "11111111-2222-4333-8444-555555555555"
	postB        = "66666666-7777-4888-9999-aaaaaaaaaaaa"
	postC        = "bbbbbbbb-cccc-4ddd-8eee-ffffffffffff"
)

var (
	t0 = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

type fixture struct {
	store   *remote.SQLStore
	blobs   *blob.MemoryStore
	queue   *queue.Queue
	clock   *testutil.StubClock
	pile    *Pile
	pusher  *Pusher
	puller  *Puller
	syncer  *Syncer
	attachs *attachment.Manager
}

// setup links a fresh pile to a remote store shared through store. Pass nil
// to open a new store.
func setup(t *testing.T, store *remote.SQLStore, blobs *blob.MemoryStore) *fixture {
	t.Helper()
	if store == nil {
		store = remotetest.Open(t)
		remotetest.CreatePile(t, store, remotePileID)
	}
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}

	pilePath := testutil.NewPile(t)
	clk := testutil.FixedClock()
	logger := testutil.DiscardLogger()

	q, err := queue.New(&queue.Config{
		Path:   filepath.Join(t.TempDir(), queue.FileName),
		Clock:  clk,
		Jitter: func() float64 { return 0 },
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}

	st := state.NewManager(pilePath, clk)
	if _, err := st.Link(remotePileID); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	cm := conflict.New(pilePath, conflict.Config{State: st, Queue: q, Clock: clk, Logger: logger})

	att := attachment.New(attachment.Config{
		Remote: store,
		Blobs:  blobs,
		UserID: remotetest.UserID,
		Clock:  clk,
		Logger: logger,
	})
	pusher := NewPusher(PushConfig{
		Remote:      store,
		Queue:       q,
		Attachments: att,
		UserID:      remotetest.UserID,
		Clock:       clk,
		Logger:      logger,
	})
	puller := NewPuller(PullConfig{
		Remote:      store,
		Attachments: att,
		Clock:       clk,
		Logger:      logger,
	})

	return &fixture{
		store:   store,
		blobs:   blobs,
		queue:   q,
		clock:   clk,
		pile:    &Pile{Path: pilePath, State: st, Conflicts: cm},
		pusher:  pusher,
		puller:  puller,
		syncer:  NewSyncer(pusher, puller, logger),
		attachs: att,
	}
}

func (f *fixture) enqueue(t *testing.T, op queue.Operation) {
	t.Helper()
	if _, err := f.queue.Enqueue(op); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
}

func (f *fixture) push(t *testing.T) *PushResult {
	t.Helper()
	res, err := f.pusher.Push(context.Background(), f.pile)
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	return res
}

func (f *fixture) pull(t *testing.T) *PullResult {
	t.Helper()
	res, err := f.puller.Pull(context.Background(), f.pile)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	return res
}

// markPulled sets the pull checkpoint to at.
func (f *fixture) markPulled(t *testing.T, at time.Time) {
	t.Helper()
	if _, err := f.pile.State.AdvancePull(at, ""); err != nil {
		t.Fatalf("AdvancePull() failed: %v", err)
	}
}

func (f *fixture) remotePost(t *testing.T, id string) *remote.Post {
	t.Helper()
	p, err := f.store.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPost(%s) failed: %v", id, err)
	}
	return p
}

func insertRemote(t *testing.T, s remote.Store, id, body string, at time.Time) *remote.Post {
	t.Helper()
	p := &remote.Post{
		ID:        id,
		PileID:    remotePileID,
		UserID:    remotetest.UserID,
		Title:     "Remote",
		Content:   body,
		Etag:      schema.ComputeEtag(body),
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := s.InsertPost(context.Background(), p); err != nil {
		t.Fatalf("InsertPost(%s) failed: %v", id, err)
	}
	return p
}

// writePost writes a post with a current etag to <pile>/<name>.
func writePost(t *testing.T, pile, name, id, body string, updated time.Time) string {
	t.Helper()
	p := &schema.Post{
		ID:        id,
		PileID:    remotePileID,
		Title:     "Local",
		CreatedAt: t0,
		UpdatedAt: updated,
		Body:      body,
	}
	p.Etag = p.ContentEtag()
	path := filepath.Join(pile, name)
	if err := schema.WritePost(path, p); err != nil {
		t.Fatalf("WritePost() failed: %v", err)
	}
	return path
}

func readPost(t *testing.T, path string) *schema.Post {
	t.Helper()
	p, _, err := schema.ReadPost(path)
	if err != nil {
		t.Fatalf("ReadPost() failed: %v", err)
	}
	return p
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeBoth, false},
		{"pull", ModePull, false},
		{"push", ModePush, false},
		{"both", ModeBoth, false},
		{"sideways", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q, error %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestPush_InsertsNewPost(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, "hello.md", "hello world\n")
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	res := f.push(t)
	if res.Pushed != 1 || res.Failed != 0 {
		t.Fatalf("Push() = %+v, want 1 pushed", res)
	}

	local := readPost(t, path)
	if !schema.IsUUID(local.ID) {
		t.Fatalf("post id = %q, want a UUID written to frontmatter", local.ID)
	}
	if local.PileID != remotePileID {
		t.Errorf("pile_id = %q, want %q", local.PileID, remotePileID)
	}
	if local.Stale() {
		t.Error("etag should match the body after push")
	}

	row := f.remotePost(t, local.ID)
	if row.Content != "hello world\n" {
		t.Errorf("remote content = %q", row.Content)
	}
	if row.Etag != schema.ComputeEtag("hello world\n") {
		t.Errorf("remote etag = %q", row.Etag)
	}

	if n, _ := f.queue.Len(f.pile.Path); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	cp, err := f.pile.State.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cp.LastPushedEtag != row.Etag || cp.LastPushedAt.IsZero() {
		t.Errorf("checkpoint = %+v, want push markers set", cp)
	}
}

func TestPush_UsesUUIDFilename(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, postA+".md", "named by id")
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))
	f.push(t)

	if got := readPost(t, path).ID; got != postA {
		t.Errorf("post id = %q, want filename stem %q", got, postA)
	}
	f.remotePost(t, postA)
}

func TestPush_UnchangedIsSkipped(t *testing.T) {
	f := setup(t, nil, nil)
	path := writePost(t, f.pile.Path, "a.md", postA, "same", t1)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))
	f.push(t)

	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))
	res := f.push(t)
	if res.Skipped != 1 || res.Pushed != 0 {
		t.Errorf("second Push() = %+v, want 1 skipped", res)
	}
}

func TestPush_UpdatesRemote(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, postA, "old", t1)
	path := writePost(t, f.pile.Path, "a.md", postA, "new", t2)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	res := f.push(t)
	if res.Pushed != 1 {
		t.Fatalf("Push() = %+v, want 1 pushed", res)
	}
	row := f.remotePost(t, postA)
	if row.Content != "new" || !row.UpdatedAt.Equal(t2) {
		t.Errorf("remote = %q at %v, want %q at %v", row.Content, row.UpdatedAt, "new", t2)
	}
}

func TestPush_RemoteNewerWins(t *testing.T) {
	tests := []struct {
		name         string
		pulled       bool
		wantConflict bool
	}{
		{"before first pull", false, false},
		{"both changed since pull", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, nil, nil)
			if tt.pulled {
				f.markPulled(t, t0)
			}
			insertRemote(t, f.store, postA, "remote edit", t2)
			path := writePost(t, f.pile.Path, "a.md", postA, "local edit", t1)
			f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

			res := f.push(t)
			if res.Skipped != 1 || res.Pushed != 0 {
				t.Errorf("Push() = %+v, want 1 skipped", res)
			}
			if got := f.remotePost(t, postA).Content; got != "remote edit" {
				t.Errorf("remote content = %q, want it untouched", got)
			}
			if got := len(res.Conflicts) == 1; got != tt.wantConflict {
				t.Fatalf("conflicts = %d, want conflict %v", len(res.Conflicts), tt.wantConflict)
			}
			if tt.wantConflict && res.Conflicts[0].Type != conflict.TypeStalePush {
				t.Errorf("conflict type = %s, want stale_push", res.Conflicts[0].Type)
			}
		})
	}
}

func TestPush_DefersActiveConflict(t *testing.T) {
	f := setup(t, nil, nil)
	f.markPulled(t, t0)
	c, err := f.pile.Conflicts.Detect(conflict.Input{
		PostID:          postA,
		LocalContent:    "l",
		RemoteContent:   "r",
		LocalUpdatedAt:  t1,
		RemoteUpdatedAt: t2,
	})
	if err != nil || c == nil {
		t.Fatalf("Detect() = %v, %v", c, err)
	}

	path := writePost(t, f.pile.Path, "a.md", postA, "l", t1)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	res := f.push(t)
	if res.Deferred != 1 {
		t.Errorf("Push() = %+v, want 1 deferred", res)
	}
	if n, _ := f.queue.Len(f.pile.Path); n != 1 {
		t.Errorf("queue length = %d, want deferred op kept", n)
	}
	if _, err := f.store.GetPost(context.Background(), postA); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("GetPost() error = %v, want nothing pushed", err)
	}
}

func TestPush_Tombstone(t *testing.T) {
	f := setup(t, nil, nil)
	path := writePost(t, f.pile.Path, "a.md", postA, "bye", t1)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))
	f.push(t)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	f.enqueue(t, queue.TombstonePost(f.pile.Path, postA, path))
	res := f.push(t)
	if res.Pushed != 1 {
		t.Fatalf("Push() = %+v, want tombstone pushed", res)
	}
	if !f.remotePost(t, postA).Deleted() {
		t.Error("remote post should be tombstoned")
	}
}

func TestPush_TombstoneSkips(t *testing.T) {
	f := setup(t, nil, nil)
	// Unknown id, and a path whose stem is not an id.
	f.enqueue(t, queue.TombstonePost(f.pile.Path, postB, filepath.Join(f.pile.Path, "gone.md")))
	f.enqueue(t, queue.TombstonePost(f.pile.Path, "", filepath.Join(f.pile.Path, "notes.md")))
	// The file came back.
	path := writePost(t, f.pile.Path, "back.md", postC, "x", t1)
	f.enqueue(t, queue.TombstonePost(f.pile.Path, postC, path))

	res := f.push(t)
	if res.Skipped != 3 || res.Failed != 0 {
		t.Errorf("Push() = %+v, want 3 skipped", res)
	}
}

func TestPush_MalformedFails(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, "bad.md", "---\nid: [unclosed\n---\nbody")
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	res := f.push(t)
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("Push() = %+v, want 1 failed", res)
	}
	if !IsIntegrity(res.Errors[0]) {
		t.Errorf("error %v should be an integrity error", res.Errors[0])
	}
	failed, err := f.queue.Failed(f.pile.Path)
	if err != nil || len(failed) != 1 {
		t.Errorf("Failed() = %d, %v; want the op failed without retries", len(failed), err)
	}
	if got := testutil.ReadFile(t, path); !strings.Contains(got, "[unclosed") {
		t.Error("malformed file should be left untouched")
	}
}

func TestPush_RecreatesMissingPile(t *testing.T) {
	store := remotetest.Open(t)
	f := setup(t, store, nil)
	path := writePost(t, f.pile.Path, "a.md", postA, "x", t1)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	if res := f.push(t); res.Pushed != 1 {
		t.Fatalf("Push() = %+v, want 1 pushed", res)
	}
	p, err := store.GetPile(context.Background(), remotePileID)
	if err != nil {
		t.Fatalf("GetPile() failed: %v", err)
	}
	if p.Name != "pile" {
		t.Errorf("pile name = %q, want directory name", p.Name)
	}
}

func TestPush_NotLinked(t *testing.T) {
	f := setup(t, nil, nil)
	if err := f.pile.State.Unlink(); err != nil {
		t.Fatalf("Unlink() failed: %v", err)
	}
	if _, err := f.pusher.Push(context.Background(), f.pile); !errors.Is(err, state.ErrNotLinked) {
		t.Errorf("Push() error = %v, want ErrNotLinked", err)
	}
}

func TestPush_Attachments(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, filepath.Join(schema.AttachmentsDir, postA, "photo.png"), "png bytes")
	f.enqueue(t, queue.UpsertAttachment(f.pile.Path, postA, path))

	if res := f.push(t); res.Pushed != 1 {
		t.Fatalf("Push() = %+v, want 1 pushed", res)
	}
	if f.blobs.Len() != 1 {
		t.Errorf("blob count = %d, want 1", f.blobs.Len())
	}

	hash := schema.HashBytes([]byte("png bytes"))
	f.enqueue(t, queue.DeleteAttachment(f.pile.Path, postA, hash, "photo.png"))
	if res := f.push(t); res.Pushed != 1 {
		t.Fatalf("Push() = %+v, want delete pushed", res)
	}
	atts, err := f.attachs.List(context.Background(), postA)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(atts) != 0 {
		t.Errorf("live attachments = %d, want 0", len(atts))
	}
}

func TestPull_WritesNewPosts(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, postA, "a", t0)
	insertRemote(t, f.store, postB, "b", t1)
	insertRemote(t, f.store, postC, "c", t2)

	res := f.pull(t)
	if res.Rows != 3 || res.Written != 3 {
		t.Fatalf("Pull() = %+v, want 3 written", res)
	}
	p := readPost(t, filepath.Join(f.pile.Path, postB+".md"))
	if p.Body != "b" || p.ID != postB || !p.UpdatedAt.Equal(t1) {
		t.Errorf("pulled post = %+v", p)
	}

	cp, _ := f.pile.State.Load()
	if !cp.LastPulledAt.Equal(t2) || cp.LastPulledID != postC {
		t.Errorf("cursor = (%v, %s), want (%v, %s)", cp.LastPulledAt, cp.LastPulledID, t2, postC)
	}

	if again := f.pull(t); again.Rows != 0 {
		t.Errorf("second Pull() rows = %d, want 0", again.Rows)
	}
}

func TestPull_Batches(t *testing.T) {
	f := setup(t, nil, nil)
	f.puller = NewPuller(PullConfig{Remote: f.store, BatchSize: 2, Logger: testutil.DiscardLogger()})
	for i, id := range []string{postA, postB, postC} {
		insertRemote(t, f.store, id, id, t0.Add(time.Duration(i)*time.Minute))
	}

	res := f.pull(t)
	if res.Rows != 3 || res.Written != 3 {
		t.Errorf("Pull() = %+v, want 3 rows over two batches", res)
	}
}

func TestPull_UnchangedContent(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, postA, "same", t1)
	writePost(t, f.pile.Path, "renamed.md", postA, "same", t0)

	res := f.pull(t)
	if res.Unchanged != 1 || res.Written != 0 {
		t.Errorf("Pull() = %+v, want 1 unchanged", res)
	}
	if _, err := os.Stat(filepath.Join(f.pile.Path, postA+".md")); !os.IsNotExist(err) {
		t.Error("pull should use the indexed path, not create a duplicate")
	}
}

func TestPull_TombstoneMovesToTrash(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, postA, "x", t0)
	path := writePost(t, f.pile.Path, "a.md", postA, "x", t0)
	if err := f.store.TombstonePost(context.Background(), postA, t1); err != nil {
		t.Fatalf("TombstonePost() failed: %v", err)
	}

	res := f.pull(t)
	if res.Trashed != 1 {
		t.Fatalf("Pull() = %+v, want 1 trashed", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("post file should be gone from the tree")
	}
	entries, err := os.ReadDir(schema.MetaPath(f.pile.Path, schema.TrashDir))
	if err != nil || len(entries) != 1 {
		t.Fatalf("trash entries = %d, %v; want 1", len(entries), err)
	}
	if !strings.HasSuffix(entries[0].Name(), "-a.md") {
		t.Errorf("trash name = %s", entries[0].Name())
	}
}

func TestPull_Conflicts(t *testing.T) {
	tests := []struct {
		name      string
		localAt   time.Time
		remoteAt  time.Time
		wantBody  string
		wantKept  int
		wantWrite int
	}{
		{"remote newer", t1, t2, "remote", 0, 1},
		{"local newer", t2, t1, "local", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, nil, nil)
			f.markPulled(t, t0)
			insertRemote(t, f.store, postA, "remote", tt.remoteAt)
			path := writePost(t, f.pile.Path, "a.md", postA, "local", tt.localAt)

			res := f.pull(t)
			if len(res.Conflicts) != 1 {
				t.Fatalf("conflicts = %d, want 1", len(res.Conflicts))
			}
			if res.Kept != tt.wantKept || res.Written != tt.wantWrite {
				t.Errorf("Pull() = %+v", res)
			}
			if got := readPost(t, path).Body; got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			c, err := f.pile.Conflicts.Get(postA)
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if !strings.Contains(c.LocalContent, "local") || !strings.Contains(c.RemoteContent, "remote") {
				t.Error("both versions should be preserved in the conflict")
			}
		})
	}
}

func TestPull_OnlyRemoteChanged(t *testing.T) {
	f := setup(t, nil, nil)
	f.markPulled(t, t1)
	path := writePost(t, f.pile.Path, "a.md", postA, "old", t0)
	insertRemote(t, f.store, postA, "new", t2)

	res := f.pull(t)
	if res.Written != 1 || len(res.Conflicts) != 0 {
		t.Errorf("Pull() = %+v, want a clean overwrite", res)
	}
	if got := readPost(t, path).Body; got != "new" {
		t.Errorf("body = %q, want new", got)
	}
}

func TestPull_MalformedLocalSkipped(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, postA+".md", "---\nid: [broken\n---\nmine")
	insertRemote(t, f.store, postA, "theirs", t1)
	insertRemote(t, f.store, postB, "b", t2)

	res := f.pull(t)
	if len(res.Errors) != 1 || !IsIntegrity(res.Errors[0]) {
		t.Fatalf("errors = %v, want one integrity error", res.Errors)
	}
	if res.Written != 1 {
		t.Errorf("written = %d, want the other post", res.Written)
	}
	if got := testutil.ReadFile(t, path); !strings.Contains(got, "mine") {
		t.Error("malformed local file should not be overwritten")
	}
	cp, _ := f.pile.State.Load()
	if cp.LastPulledID != postB {
		t.Errorf("cursor id = %s, want past the skipped row", cp.LastPulledID)
	}
}

func TestPull_Attachments(t *testing.T) {
	store := remotetest.Open(t)
	remotetest.CreatePile(t, store, remotePileID)
	blobs := blob.NewMemoryStore()
	a := setup(t, store, blobs)
	b := setup(t, store, blobs)

	src := testutil.WriteFile(t, a.pile.Path, filepath.Join(schema.AttachmentsDir, postA, "photo.png"), "pixels")
	if _, err := a.attachs.Upload(context.Background(), attachment.Pile{Path: a.pile.Path, RemoteID: remotePileID}, postA, src); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	insertRemote(t, store, postA, "with photo", t1)

	res := b.pull(t)
	if res.Attachments.Downloaded != 1 {
		t.Fatalf("attachments = %+v, want 1 downloaded", res.Attachments)
	}
	hash := schema.HashBytes([]byte("pixels"))
	if got := testutil.ReadFile(t, schema.AttachmentLocalPath(b.pile.Path, postA, hash, "photo.png")); got != "pixels" {
		t.Errorf("attachment content = %q", got)
	}
}

func TestSync_TwoDevices(t *testing.T) {
	store := remotetest.Open(t)
	remotetest.CreatePile(t, store, remotePileID)
	blobs := blob.NewMemoryStore()
	laptop := setup(t, store, blobs)
	phone := setup(t, store, blobs)
	ctx := context.Background()

	path := testutil.WriteFile(t, laptop.pile.Path, "idea.md", "an idea\n")
	laptop.enqueue(t, queue.UpsertPost(laptop.pile.Path, path))
	res, err := laptop.syncer.Sync(ctx, laptop.pile, ModeBoth)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Push == nil || res.Push.Pushed != 1 {
		t.Fatalf("laptop push = %+v", res.Push)
	}
	id := readPost(t, path).ID

	res, err = phone.syncer.Sync(ctx, phone.pile, ModePull)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Push != nil {
		t.Error("pull mode should not push")
	}
	got := readPost(t, filepath.Join(phone.pile.Path, id+".md"))
	if got.Body != "an idea\n" {
		t.Errorf("phone body = %q", got.Body)
	}

	cp, _ := phone.pile.State.Load()
	if cp.LastError != "" {
		t.Errorf("LastError = %q, want cleared", cp.LastError)
	}
}

func TestSync_RecordsError(t *testing.T) {
	f := setup(t, nil, nil)
	path := testutil.WriteFile(t, f.pile.Path, "bad.md", "---\nid: [x\n---\n")
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	if _, err := f.syncer.Sync(context.Background(), f.pile, ModePush); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	cp, _ := f.pile.State.Load()
	if !strings.Contains(cp.LastError, "malformed") {
		t.Errorf("LastError = %q, want the item failure", cp.LastError)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name                       string
		err                        error
		transient, integrity, perm bool
	}{
		{"nil", nil, false, false, false},
		{"stale write", ErrStaleWrite, true, false, false},
		{"hash mismatch", attachment.ErrHashMismatch, false, true, false},
		{"malformed", schema.ErrMalformedFrontmatter, false, true, false},
		{"invalid post id", schema.ErrInvalidPostID, false, true, false},
		{"unsafe attachment name", attachment.ErrUnsafeName, false, true, false},
		{"not linked", state.ErrNotLinked, false, false, true},
		{"invalid key", blob.ErrInvalidKey, false, false, true},
		{"canceled", context.Canceled, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsIntegrity(tt.err); got != tt.integrity {
				t.Errorf("IsIntegrity() = %v, want %v", got, tt.integrity)
			}
			if got := IsPermanent(tt.err); got != tt.perm {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.perm)
			}
		})
	}
}

func TestResolveLocal_Converges(t *testing.T) {
	f := setup(t, nil, nil)
	f.markPulled(t, t0)
	insertRemote(t, f.store, postA, "remote edit", t2)
	path := writePost(t, f.pile.Path, "a.md", postA, "local edit", t1)

	if res := f.pull(t); len(res.Conflicts) != 1 || res.Written != 1 {
		t.Fatalf("Pull() = %+v, want a conflict with the remote version written", res)
	}
	if _, err := f.pile.Conflicts.Resolve(postA, conflict.Resolution{Choice: conflict.ChoiceLocal}); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got := readPost(t, path).Body; got != "local edit" {
		t.Fatalf("body after resolve = %q, want local edit", got)
	}

	res := f.push(t)
	if res.Pushed != 1 || res.Deferred != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("Push() = %+v, want the kept version pushed", res)
	}
	if got := f.remotePost(t, postA).Content; got != "local edit" {
		t.Errorf("remote content = %q, want local edit", got)
	}
	if n, _ := f.queue.Len(f.pile.Path); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	again := f.pull(t)
	if again.Unchanged != 1 || again.Written != 0 || len(again.Conflicts) != 0 {
		t.Errorf("second Pull() = %+v, want the post unchanged", again)
	}
	if n, err := f.pile.Conflicts.ActiveCount(); err != nil || n != 0 {
		t.Errorf("ActiveCount() = %d, %v, want 0", n, err)
	}
	if got := readPost(t, path).Body; got != "local edit" {
		t.Errorf("body after second pull = %q, want local edit", got)
	}
}

func TestPull_RejectsUnsafeID(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, "../escaped", "outside", t1)
	insertRemote(t, f.store, postB, "b", t2)

	res := f.pull(t)
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], schema.ErrInvalidPostID) {
		t.Fatalf("errors = %v, want one invalid id error", res.Errors)
	}
	if !IsIntegrity(res.Errors[0]) {
		t.Errorf("error %v should be an integrity error", res.Errors[0])
	}
	if res.Written != 1 {
		t.Errorf("written = %d, want the valid post", res.Written)
	}

	cp, _ := f.pile.State.Load()
	if cp.LastPulledID != postB {
		t.Errorf("cursor id = %s, want past the rejected row", cp.LastPulledID)
	}
	root := filepath.Dir(f.pile.Path)
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.Contains(d.Name(), "escaped") {
			t.Errorf("remote row written to %s", p)
		}
		return nil
	})
}

// staleStore loses every guarded update to a writer that is not newer.
type staleStore struct {
	*remote.SQLStore
}

func (s *staleStore) UpdatePostGuarded(context.Context, *remote.Post, *remote.Post) (bool, error) {
	return false, nil
}

func TestPush_StaleWriteIsRetried(t *testing.T) {
	f := setup(t, nil, nil)
	f.pusher = NewPusher(PushConfig{
		Remote: &staleStore{f.store},
		Queue:  f.queue,
		UserID: remotetest.UserID,
		Clock:  f.clock,
		Logger: testutil.DiscardLogger(),
	})
	insertRemote(t, f.store, postA, "old", t1)
	path := writePost(t, f.pile.Path, "a.md", postA, "new", t2)
	f.enqueue(t, queue.UpsertPost(f.pile.Path, path))

	res := f.push(t)
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("Push() = %+v, want 1 failed", res)
	}
	if !errors.Is(res.Errors[0], ErrStaleWrite) || !IsTransient(res.Errors[0]) {
		t.Errorf("error = %v, want a transient ErrStaleWrite", res.Errors[0])
	}

	ops, err := f.queue.List(f.pile.Path)
	if err != nil || len(ops) != 1 {
		t.Fatalf("List() = %d, %v; want the op kept", len(ops), err)
	}
	if ops[0].RetryCount != 1 || ops[0].NextRetryAt.IsZero() || ops[0].LastError == "" {
		t.Errorf("op = %+v, want one retry scheduled", ops[0])
	}
	if failed, _ := f.queue.Failed(f.pile.Path); len(failed) != 0 {
		t.Errorf("Failed() = %d, want a retry rather than a failure", len(failed))
	}
	if got := f.remotePost(t, postA).Content; got != "old" {
		t.Errorf("remote content = %q, want untouched", got)
	}
}

func TestSync_EmptyPileFirstLink(t *testing.T) {
	f := setup(t, nil, nil)

	res, err := f.syncer.Sync(context.Background(), f.pile, ModeBoth)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Push == nil || res.Push.Taken != 0 || res.Push.Pushed != 0 {
		t.Errorf("push = %+v, want nothing taken", res.Push)
	}
	if res.Pull == nil || res.Pull.Rows != 0 || res.Pull.Written != 0 {
		t.Errorf("pull = %+v, want no rows", res.Pull)
	}

	cp, err := f.pile.State.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cp.Empty() || cp.LastError != "" {
		t.Errorf("checkpoint = %+v, want untouched", cp)
	}
	paths, err := schema.ListPostFiles(f.pile.Path)
	if err != nil || len(paths) != 0 {
		t.Errorf("ListPostFiles() = %v, %v; want an empty pile", paths, err)
	}
}

func TestPull_FailurePinsCursor(t *testing.T) {
	f := setup(t, nil, nil)
	insertRemote(t, f.store, postA, "a", t0)
	insertRemote(t, f.store, postB, "b", t1)
	insertRemote(t, f.store, postC, "c", t2)

	// A directory where postB's file belongs cannot be read as a post.
	blocker := filepath.Join(f.pile.Path, postB+".md")
	if err := os.Mkdir(blocker, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	res := f.pull(t)
	if len(res.Errors) != 1 || IsIntegrity(res.Errors[0]) {
		t.Fatalf("errors = %v, want one non-integrity error", res.Errors)
	}
	if res.Written != 2 {
		t.Errorf("written = %d, want the rest of the batch applied", res.Written)
	}
	cp, _ := f.pile.State.Load()
	if !cp.LastPulledAt.Equal(t0) || cp.LastPulledID != postA {
		t.Errorf("cursor = (%v, %s), want pinned before the failed row", cp.LastPulledAt, cp.LastPulledID)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	again := f.pull(t)
	if again.Rows != 2 || again.Written != 1 || again.Unchanged != 1 || len(again.Errors) != 0 {
		t.Errorf("second Pull() = %+v, want the failed row fetched again", again)
	}
	if got := readPost(t, blocker).Body; got != "b" {
		t.Errorf("body = %q, want b", got)
	}
	cp, _ = f.pile.State.Load()
	if !cp.LastPulledAt.Equal(t2) || cp.LastPulledID != postC {
		t.Errorf("cursor = (%v, %s), want (%v, %s)", cp.LastPulledAt, cp.LastPulledID, t2, postC)
	}
}

func TestPull_SameTimestampAcrossBatches(t *testing.T) {
	f := setup(t, nil, nil)
	f.puller = NewPuller(PullConfig{Remote: f.store, BatchSize: 2, Logger: testutil.DiscardLogger()})
	// Inserted out of id order; all share one updated_at.
	for _, id := range []string{postC, postA, postB} {
		insertRemote(t, f.store, id, id, t1)
	}

	res := f.pull(t)
	if res.Rows != 3 || res.Written != 3 {
		t.Fatalf("Pull() = %+v, want 3 rows over two batches", res)
	}
	for _, id := range []string{postA, postB, postC} {
		if got := readPost(t, filepath.Join(f.pile.Path, id+".md")).Body; got != id {
			t.Errorf("post %s body = %q", id, got)
		}
	}
	cp, _ := f.pile.State.Load()
	if !cp.LastPulledAt.Equal(t1) || cp.LastPulledID != postC {
		t.Errorf("cursor = (%v, %s), want (%v, %s)", cp.LastPulledAt, cp.LastPulledID, t1, postC)
	}

	// A later row with the same updated_at and a greater id is still picked up.
	const postD = "cccccccc-dddd-4eee-8fff-000000000000"
	insertRemote(t, f.store, postD, "d", t1)
	again := f.pull(t)
	if again.Rows != 1 || again.Written != 1 {
		t.Errorf("second Pull() = %+v, want only the new row", again)
	}
}
