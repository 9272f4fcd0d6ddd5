// Package schema provides the on-disk formats of a pile: markdown posts with
// YAML frontmatter, content-addressed attachments, and the hidden metadata folder.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrMalformedFrontmatter is returned when a post carries a frontmatter block
// that cannot be parsed. Such files are never overwritten by sync.
var ErrMalformedFrontmatter = errors.New("malformed frontmatter")

// ErrInvalidPostID is returned for a post id that is not a canonical UUID
// and so cannot name a file in the pile.
var ErrInvalidPostID = errors.New("invalid post id")

const delimiter = "---"

// frontmatter is the YAML header of a post file. Keys that are not known to
// the sync engine are preserved in Extra and written back unchanged.
type frontmatter struct {
	ID        string         `yaml:"id,omitempty"`
	PileID    string         `yaml:"pile_id,omitempty"`
	Title     string         `yaml:"title,omitempty"`
	CreatedAt string         `yaml:"created_at,omitempty"`
	UpdatedAt string         `yaml:"updated_at,omitempty"`
	Etag      string         `yaml:"etag,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// Post is a markdown file with frontmatter holding its durable identity.
type Post struct {
	ID        string
	PileID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Etag is the etag recorded in the frontmatter, which may be stale if
	// the body was edited outside the app. See Stale.
	Etag string
	// Meta holds unknown frontmatter keys.
	Meta map[string]any
	Body string

	// HasFrontmatter reports whether the file had a frontmatter block.
	HasFrontmatter bool
}

// ParsePost parses a post file's content.
// A file without a leading "---" line is treated as a body with no identity.
func ParsePost(data []byte) (*Post, error) {
	text := string(data)
	header, body, ok, err := splitFrontmatter(text)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Post{Body: text}, nil
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrontmatter, err)
	}

	post := &Post{
		ID:             strings.TrimSpace(fm.ID),
		PileID:         fm.PileID,
		Title:          fm.Title,
		Etag:           fm.Etag,
		Meta:           fm.Extra,
		Body:           body,
		HasFrontmatter: true,
	}
	if post.CreatedAt, err = parseTime(fm.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrMalformedFrontmatter, err)
	}
	if post.UpdatedAt, err = parseTime(fm.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: updated_at: %v", ErrMalformedFrontmatter, err)
	}
	return post, nil
}

// splitFrontmatter separates the YAML header from the body.
func splitFrontmatter(text string) (header, body string, ok bool, err error) {
	first, rest, found := strings.Cut(text, "\n")
	if strings.TrimRight(first, "\r") != delimiter {
		return "", text, false, nil
	}
	if !found {
		return "", "", false, fmt.Errorf("%w: unterminated block", ErrMalformedFrontmatter)
	}

	var hdr strings.Builder
	for {
		line, next, more := strings.Cut(rest, "\n")
		if strings.TrimRight(line, "\r") == delimiter {
			return hdr.String(), next, true, nil
		}
		if !more {
			return "", "", false, fmt.Errorf("%w: unterminated block", ErrMalformedFrontmatter)
		}
		hdr.WriteString(line)
		hdr.WriteByte('\n')
		rest = next
	}
}

// Render serializes the post with its frontmatter.
func (p *Post) Render() ([]byte, error) {
	fm := frontmatter{
		ID:        p.ID,
		PileID:    p.PileID,
		Title:     p.Title,
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
		Etag:      p.Etag,
		Extra:     p.Meta,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(header)
	buf.WriteString(delimiter + "\n")
	buf.WriteString(p.Body)
	return buf.Bytes(), nil
}

// ContentEtag returns the etag of the current body.
func (p *Post) ContentEtag() string {
	return ComputeEtag(p.Body)
}

// Stale reports whether the recorded etag no longer matches the body.
func (p *Post) Stale() bool {
	return p.Etag != p.ContentEtag()
}

// ComputeEtag returns the hex SHA-256 of a post body.
func ComputeEtag(body string) string {
	return HashBytes([]byte(body))
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsUUID reports whether s is a canonical UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// CheckPostID returns ErrInvalidPostID unless id is a canonical UUID.
func CheckPostID(id string) error {
	if !IsUUID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPostID, id)
	}
	return nil
}

// NewID returns a fresh post identity.
func NewID() string {
	return uuid.NewString()
}

// Timestamp normalizes t to the precision stored remotely.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ReadPost reads and parses the post at path.
// The returned time is the file's modification time.
func ReadPost(path string) (*Post, time.Time, error) {
	// #nosec G304 - path comes from the pile tree
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read post %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat post %s: %w", path, err)
	}
	post, err := ParsePost(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse post %s: %w", path, err)
	}
	return post, info.ModTime(), nil
}

// WritePost renders the post and atomically replaces path.
func WritePost(path string, p *Post) error {
	data, err := p.Render()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}

// EffectiveUpdatedAt returns the time the post content last changed.
// An edit made outside the app leaves a stale etag behind, in which case the
// later of the recorded time and the file's mtime is used.
func (p *Post) EffectiveUpdatedAt(modTime time.Time) time.Time {
	if p.UpdatedAt.IsZero() || (p.Stale() && modTime.After(p.UpdatedAt)) {
		return Timestamp(modTime)
	}
	return Timestamp(p.UpdatedAt)
}

// PostIDFromPath returns the filename stem of a post path.
func PostIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), PostExt)
}
