package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for signed URL tokens that are malformed,
// expired, or signed with another secret.
var ErrInvalidToken = errors.New("invalid or expired token")

const tokenIssuer = "pilesync"

// FileSystemStore stores objects as files below <root>/attachments.
// Signed URLs point at an HTTP server that serves /blobs/<key>?token=<jwt>.
type FileSystemStore struct {
	root    string
	dir     string
	secret  []byte
	baseURL string
}

// NewFileSystemStore creates a store rooted at root.
func NewFileSystemStore(root, signingSecret, baseURL string) (*FileSystemStore, error) {
	dir := filepath.Join(root, Bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &FileSystemStore{
		root:    root,
		dir:     dir,
		secret:  []byte(signingSecret),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *FileSystemStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Put implements Store.Put with an atomic write (temp file + rename).
func (s *FileSystemStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	destPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}
	if size >= 0 && written != size {
		tmpFile.Close()
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Get implements Store.Get.
func (s *FileSystemStore) Get(ctx context.Context, key string, w io.Writer) error {
	srcPath, err := s.path(key)
	if err != nil {
		return err
	}
	// #nosec G304 - key validated above
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *FileSystemStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// blobClaims grants read access to a single key.
type blobClaims struct {
	jwt.RegisteredClaims
	Key string `json:"key"`
}

// SignedURL implements Store.SignedURL with an HS256 token bound to key.
func (s *FileSystemStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signed urls require a signing secret")
	}

	now := time.Now()
	claims := blobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   key,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Key: key,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign url: %w", err)
	}

	u := s.baseURL + "/blobs/" + (&url.URL{Path: key}).EscapedPath() + "?token=" + url.QueryEscape(token)
	return u, nil
}

// VerifyToken validates a signed URL token and returns the key it grants.
func (s *FileSystemStore) VerifyToken(tokenString string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &blobClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*blobClaims)
	if !ok || !token.Valid || claims.Key == "" {
		return "", ErrInvalidToken
	}
	return claims.Key, nil
}
