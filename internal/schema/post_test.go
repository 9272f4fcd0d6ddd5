package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const samplePost = `---
id: 0b7e2c3a-4a4f-4b5b-9d1e-3f2a1c9e8d7f
pile_id: pile-1
title: Morning notes
created_at: "2024-01-15T10:30:00Z"
updated_at: "2024-01-15T11:00:00.5Z"
etag: abc
mood: calm
---
Hello world
`

// TestParsePost_WithFrontmatter tests parsing of all known and unknown keys
func TestParsePost_WithFrontmatter(t *testing.T) {
	post, err := ParsePost([]byte(samplePost))
	if err != nil {
		t.Fatalf("ParsePost() failed: %v", err)
	}

	if !post.HasFrontmatter {
		t.Error("HasFrontmatter = false, want true")
	}
	if post.ID != "0b7e2c3a-4a4f-4b5b-9d1e-3f2a1c9e8d7f" {
		t.Errorf("ID = %q", post.ID)
	}
	if post.PileID != "pile-1" {
		t.Errorf("PileID = %q, want pile-1", post.PileID)
	}
	if post.Title != "Morning notes" {
		t.Errorf("Title = %q, want Morning notes", post.Title)
	}
	want := time.Date(2024, 1, 15, 11, 0, 0, 500000000, time.UTC)
	if !post.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", post.UpdatedAt, want)
	}
	if post.Body != "Hello world\n" {
		t.Errorf("Body = %q, want %q", post.Body, "Hello world\n")
	}
	if post.Meta["mood"] != "calm" {
		t.Errorf("Meta[mood] = %v, want calm", post.Meta["mood"])
	}
}

// TestParsePost_NoFrontmatter tests that plain markdown parses with no identity
func TestParsePost_NoFrontmatter(t *testing.T) {
	post, err := ParsePost([]byte("# Title\n\nbody\n"))
	if err != nil {
		t.Fatalf("ParsePost() failed: %v", err)
	}
	if post.HasFrontmatter {
		t.Error("HasFrontmatter = true, want false")
	}
	if post.ID != "" {
		t.Errorf("ID = %q, want empty", post.ID)
	}
	if post.Body != "# Title\n\nbody\n" {
		t.Errorf("Body = %q", post.Body)
	}
}

func TestParsePost_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unterminated", "---\nid: x\nbody"},
		{"invalid yaml", "---\nid: [unclosed\n---\nbody"},
		{"bad timestamp", "---\nupdated_at: yesterday\n---\nbody"},
		{"delimiter only", "---"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePost([]byte(tt.content))
			if !errors.Is(err, ErrMalformedFrontmatter) {
				t.Errorf("ParsePost() error = %v, want ErrMalformedFrontmatter", err)
			}
		})
	}
}

// TestRender_RoundTrip tests that rendering preserves identity, body and unknown keys
func TestRender_RoundTrip(t *testing.T) {
	post, err := ParsePost([]byte(samplePost))
	if err != nil {
		t.Fatalf("ParsePost() failed: %v", err)
	}

	data, err := post.Render()
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "---\nid: 0b7e2c3a") {
		t.Errorf("Render() should start with frontmatter id, got:\n%s", data)
	}

	again, err := ParsePost(data)
	if err != nil {
		t.Fatalf("ParsePost(Render()) failed: %v", err)
	}
	if again.ID != post.ID || again.Title != post.Title || again.Body != post.Body {
		t.Errorf("round trip changed post: got %+v, want %+v", again, post)
	}
	if !again.UpdatedAt.Equal(post.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", again.UpdatedAt, post.UpdatedAt)
	}
	if again.Meta["mood"] != "calm" {
		t.Errorf("unknown key lost: %v", again.Meta)
	}
}

func TestEtag(t *testing.T) {
	post := &Post{Body: "hello"}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := post.ContentEtag(); got != want {
		t.Errorf("ContentEtag() = %s, want %s", got, want)
	}
	if !post.Stale() {
		t.Error("Stale() = false for empty etag")
	}
	post.Etag = want
	if post.Stale() {
		t.Error("Stale() = true for matching etag")
	}
}

func TestEffectiveUpdatedAt(t *testing.T) {
	recorded := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	later := recorded.Add(time.Hour)
	earlier := recorded.Add(-time.Hour)

	tests := []struct {
		name    string
		etag    string
		updated time.Time
		mtime   time.Time
		want    time.Time
	}{
		{"fresh etag keeps recorded time", ComputeEtag("body"), recorded, later, recorded},
		{"stale etag uses later mtime", "old", recorded, later, later},
		{"stale etag keeps later recorded time", "old", recorded, earlier, recorded},
		{"missing time uses mtime", ComputeEtag("body"), time.Time{}, earlier, earlier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := &Post{Body: "body", Etag: tt.etag, UpdatedAt: tt.updated}
			if got := post.EffectiveUpdatedAt(tt.mtime); !got.Equal(tt.want) {
				t.Errorf("EffectiveUpdatedAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUUID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0b7e2c3a-4a4f-4b5b-9d1e-3f2a1c9e8d7f", true},
		{NewID(), true},
		{"my-first-post", false},
		{"0b7e2c3a4a4f4b5b9d1e3f2a1c9e8d7f", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsUUID(tt.id); got != tt.want {
			t.Errorf("IsUUID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestCheckPostID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0b7e2c3a-4a4f-4b5b-9d1e-3f2a1c9e8d7f", false},
		{"parent traversal", "../escaped", true},
		{"nested", "a/b", true},
		{"absolute", "/etc/passwd", true},
		{"braced uuid", "{0b7e2c3a-4a4f-4b5b-9d1e-3f2a1c9e8d7f}", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPostID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckPostID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidPostID) {
				t.Errorf("CheckPostID(%q) error = %v, want ErrInvalidPostID", tt.id, err)
			}
		})
	}
}

// TestWritePost_ReadPost tests atomic write followed by read
func TestWritePost_ReadPost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "post.md")
	post := &Post{
		ID:        NewID(),
		Title:     "T",
		UpdatedAt: Timestamp(time.Now()),
		Body:      "content\n",
	}
	post.Etag = post.ContentEtag()

	if err := WritePost(path, post); err != nil {
		t.Fatalf("WritePost() failed: %v", err)
	}

	got, mtime, err := ReadPost(path)
	if err != nil {
		t.Fatalf("ReadPost() failed: %v", err)
	}
	if got.ID != post.ID || got.Body != post.Body || got.Etag != post.Etag {
		t.Errorf("ReadPost() = %+v, want %+v", got, post)
	}
	if mtime.IsZero() {
		t.Error("ReadPost() returned zero mtime")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the post in dir, got %d entries", len(entries))
	}
}

func TestPostIDFromPath(t *testing.T) {
	if got := PostIDFromPath("/pile/2024/abc.md"); got != "abc" {
		t.Errorf("PostIDFromPath() = %q, want abc", got)
	}
}
