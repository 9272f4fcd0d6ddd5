package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// hashLen is the length of a hex SHA-256 digest.
const hashLen = 64

// AttachmentName returns the content-addressed file name "<hash>-<filename>".
func AttachmentName(hash, filename string) string {
	return hash + "-" + filename
}

// SafeName reports whether name is a single path element that stays inside
// the directory it is joined to.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.Base(name) == name
}

// AttachmentLocalPath returns attachments/<postId>/<hash>-<filename> inside the pile.
func AttachmentLocalPath(pilePath, postID, hash, filename string) string {
	return filepath.Join(pilePath, AttachmentsDir, postID, AttachmentName(hash, filename))
}

// AttachmentRemotePath returns <userId>/piles/<pileId>/<postId>/<hash>-<filename>.
func AttachmentRemotePath(userID, pileID, postID, hash, filename string) string {
	return path.Join(userID, "piles", pileID, postID, AttachmentName(hash, filename))
}

// AttachmentPath is a parsed local attachment path.
type AttachmentPath struct {
	PostID string
	// Hash is empty when the file name has no content-address prefix,
	// which is the case for files dropped into the folder by hand.
	Hash     string
	Filename string
}

// ParseAttachmentPath parses a path of the form attachments/<postId>/<name>.
// It returns false for anything else.
func ParseAttachmentPath(pilePath, p string) (AttachmentPath, bool) {
	if Ignored(pilePath, p) {
		return AttachmentPath{}, false
	}
	rel, err := filepath.Rel(pilePath, p)
	if err != nil {
		return AttachmentPath{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 3 || parts[0] != AttachmentsDir || parts[1] == "" || parts[2] == "" {
		return AttachmentPath{}, false
	}

	ap := AttachmentPath{PostID: parts[1], Filename: parts[2]}
	if hash, name, ok := SplitAttachmentName(parts[2]); ok {
		ap.Hash = hash
		ap.Filename = name
	}
	return ap, true
}

// SplitAttachmentName splits "<hash>-<filename>" when the prefix is a hex SHA-256.
func SplitAttachmentName(name string) (hash, filename string, ok bool) {
	if len(name) < hashLen+2 || name[hashLen] != '-' {
		return "", name, false
	}
	if _, err := hex.DecodeString(name[:hashLen]); err != nil {
		return "", name, false
	}
	return strings.ToLower(name[:hashLen]), name[hashLen+1:], true
}

// HashFile returns the hex SHA-256 and size of the file at p.
func HashFile(p string) (string, int64, error) {
	// #nosec G304 - path comes from the pile tree
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
