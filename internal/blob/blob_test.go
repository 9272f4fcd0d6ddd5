package blob

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"u1/piles/p1/post/abc-file.png", false},
		{"a", false},
		{"", true},
		{"/abs/key", true},
		{"a/../b", true},
		{"../escape", true},
		{"a/./b", true},
		{"a//b", true},
		{"a\\b", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("error %v should wrap ErrInvalidKey", err)
			}
		})
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileSystemStore(t.TempDir(), "secret", "http://example.test")
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	return map[string]Store{
		"memory":     NewMemoryStore(),
		"filesystem": fs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	const key = "user/piles/p1/post1/hash-photo.png"
	content := []byte("binary content")

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, key, bytes.NewReader(content), int64(len(content)), "image/png"); err != nil {
				t.Fatalf("Put: %v", err)
			}

			var buf bytes.Buffer
			if err := s.Get(ctx, key, &buf); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), content) {
				t.Errorf("Get = %q, want %q", buf.Bytes(), content)
			}

			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Errorf("second Delete should be a no-op, got %v", err)
			}
			err := s.Get(ctx, key, &bytes.Buffer{})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorePutSizeMismatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Put(ctx, "k/size", strings.NewReader("abc"), 10, "")
			if err == nil {
				t.Fatal("expected size mismatch error")
			}
			if err := s.Get(ctx, "k/size", &bytes.Buffer{}); !errors.Is(err, ErrNotFound) {
				t.Errorf("partial object should not be stored, got %v", err)
			}
		})
	}
}

func TestFileSystemStoreLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileSystemStore(root, "secret", "")
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	if err := s.Put(context.Background(), "u/piles/p/x/h-a.txt", strings.NewReader("hi"), 2, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, Bucket, "u", "piles", "p", "x", "h-a.txt"))
	if err != nil {
		t.Fatalf("object not at expected path: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(filepath.Join(root, Bucket, "u", "piles", "p", "x"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileSystemSignedURL(t *testing.T) {
	s, err := NewFileSystemStore(t.TempDir(), "secret", "http://host:9000/")
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	const key = "u/piles/p/post/h-my file.png"

	raw, err := s.SignedURL(context.Background(), key, time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	if u.Host != "host:9000" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/blobs/"+key {
		t.Errorf("path = %q, want /blobs/%s", u.Path, key)
	}

	got, err := s.VerifyToken(u.Query().Get("token"))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if got != key {
		t.Errorf("VerifyToken key = %q, want %q", got, key)
	}
}

func TestFileSystemVerifyTokenRejects(t *testing.T) {
	s, _ := NewFileSystemStore(t.TempDir(), "secret", "")
	other, _ := NewFileSystemStore(t.TempDir(), "other-secret", "")

	expiredURL, err := s.SignedURL(context.Background(), "k/a", -time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	foreignURL, err := other.SignedURL(context.Background(), "k/a", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	tokenOf := func(raw string) string {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("url.Parse: %v", err)
		}
		return u.Query().Get("token")
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"expired", tokenOf(expiredURL)},
		{"wrong secret", tokenOf(foreignURL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.VerifyToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestFileSystemSignedURLRequiresSecret(t *testing.T) {
	s, _ := NewFileSystemStore(t.TempDir(), "", "")
	if _, err := s.SignedURL(context.Background(), "k/a", time.Minute); err == nil {
		t.Error("expected error without signing secret")
	}
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	s, err := NewFromConfig(ctx, Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("memory type = %T", s)
	}

	s, err = NewFromConfig(ctx, Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("default filesystem: %v", err)
	}
	if _, ok := s.(*FileSystemStore); !ok {
		t.Errorf("default type = %T", s)
	}

	if _, err := NewFromConfig(ctx, Config{Type: "filesystem"}); err == nil {
		t.Error("filesystem without root should fail")
	}
	if _, err := NewFromConfig(ctx, Config{Type: "s3"}); err == nil {
		t.Error("s3 without bucket should fail")
	}
	if _, err := NewFromConfig(ctx, Config{Type: "ftp"}); err == nil {
		t.Error("unknown type should fail")
	}
}
