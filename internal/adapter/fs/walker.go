package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"docqa/internal/port"
)

// DefaultMaxFileSize skips files that are unlikely to be prose documents.
const DefaultMaxFileSize = 8 << 20

// Walker discovers ingestible text files under a root directory. Patterns
// are doublestar globs matched against slash-separated relative paths.
type Walker struct {
	includes []string
	excludes []string
	maxSize  int64
}

var (
	_ port.FileWalker = (*Walker)(nil)
	_ port.FileReader = (*Walker)(nil)
)

func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*.txt", "**/*.md"}
	}
	return &Walker{
		includes: includes,
		excludes: excludes,
		maxSize:  DefaultMaxFileSize,
	}
}

// WithMaxSize sets the largest file Walk returns; n <= 0 disables the limit.
func (w *Walker) WithMaxSize(n int64) *Walker {
	w.maxSize = n
	return w
}

// Walk returns matching regular files sorted by path. root may also name a
// single file, which is returned as long as it is not too large.
func (w *Walker) Walk(root string) ([]port.FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if w.tooLarge(info.Size()) {
			return nil, fmt.Errorf("%s: file larger than %d bytes", root, w.maxSize)
		}
		return []port.FileInfo{{Path: root, ModTime: info.ModTime().Unix(), Size: info.Size()}}, nil
	}

	var files []port.FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && w.matchAny(w.excludes, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !w.matchAny(w.includes, rel) || w.matchAny(w.excludes, rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if w.tooLarge(fi.Size()) {
			return nil
		}
		files = append(files, port.FileInfo{
			Path:    path,
			ModTime: fi.ModTime().Unix(),
			Size:    fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (w *Walker) tooLarge(size int64) bool {
	return w.maxSize > 0 && size > w.maxSize
}

func (w *Walker) matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// ReadFile returns the file as text. Files that are not valid UTF-8 are
// rejected; a leading byte order mark is dropped.
func (w *Walker) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: not valid UTF-8 text", path)
	}
	return strings.TrimPrefix(string(data), "\uFEFF"), nil
}
