package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MetaDir is the hidden metadata folder inside every pile.
	MetaDir = ".pile"
	// AttachmentsDir holds content-addressed attachments, one folder per post.
	AttachmentsDir = "attachments"
	// TrashDir receives posts deleted remotely. It lives inside MetaDir.
	TrashDir = "trash"
	// ConflictsDir holds the conflict registry and artifacts. It lives inside MetaDir.
	ConflictsDir = "conflicts"
	// PostExt is the extension of post files.
	PostExt = ".md"
)

// MetaPath returns the path of name inside the pile's metadata folder.
func MetaPath(pilePath string, name ...string) string {
	return filepath.Join(append([]string{pilePath, MetaDir}, name...)...)
}

// Ignored reports whether a path inside the pile must never be synced:
// the metadata folder and hidden files or folders.
func Ignored(pilePath, path string) bool {
	rel, err := filepath.Rel(pilePath, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// IsPostPath reports whether path is a post file of the pile.
func IsPostPath(pilePath, path string) bool {
	if Ignored(pilePath, path) || filepath.Ext(path) != PostExt {
		return false
	}
	rel, _ := filepath.Rel(pilePath, path)
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	return first != AttachmentsDir
}

// ListPostFiles walks the pile and returns every post file.
func ListPostFiles(pilePath string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(pilePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != pilePath && (strings.HasPrefix(d.Name(), ".") || path == filepath.Join(pilePath, AttachmentsDir)) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsPostPath(pilePath, path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk pile %s: %w", pilePath, err)
	}
	return paths, nil
}

// IndexPile maps post ids to their file paths.
// Files without an id in their frontmatter are indexed by filename stem.
// Files that cannot be parsed are skipped.
func IndexPile(pilePath string) (map[string]string, error) {
	paths, err := ListPostFiles(pilePath)
	if err != nil {
		return nil, err
	}
	index := make(map[string]string, len(paths))
	for _, path := range paths {
		id := PostIDFromPath(path)
		if post, _, err := ReadPost(path); err == nil && post.ID != "" {
			id = post.ID
		}
		index[id] = path
	}
	return index, nil
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
