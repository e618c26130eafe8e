// Package fs provides file system adapters for walking, hashing and copying files.
package fs

import (
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
)

// Walker provides file walking functionality.
type Walker struct{}

// NewWalker creates a new Walker.
func NewWalker() *Walker {
	return &Walker{}
}

// Walk yields every entry below root with its slash separated path relative
// to root, in lexical order. Directories are yielded before their contents.
// Entries matching an ignore pattern, by base name or by relative path, are
// skipped together with everything below them. VCS metadata is always skipped.
func (w *Walker) Walk(root string, ignores []string) iter.Seq2[string, fs.DirEntry] {
	return func(yield func(string, fs.DirEntry) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if w.shouldSkip(rel, d, ignores) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !yield(rel, d) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// WalkFiles yields the absolute path of every non-directory entry below root.
func (w *Walker) WalkFiles(root string, ignores []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for rel, d := range w.Walk(root, ignores) {
			if d.IsDir() {
				continue
			}
			if !yield(filepath.Join(root, filepath.FromSlash(rel))) {
				return
			}
		}
	}
}

func (w *Walker) shouldSkip(rel string, d fs.DirEntry, ignores []string) bool {
	name := d.Name()
	if d.IsDir() && (name == ".git" || name == ".jj") {
		return true
	}
	for _, ignore := range ignores {
		ignore = strings.TrimSuffix(filepath.ToSlash(ignore), "/")
		if ignore == "" {
			continue
		}
		if matched, _ := filepath.Match(ignore, name); matched {
			return true
		}
		if matched, _ := filepath.Match(ignore, rel); matched {
			return true
		}
	}
	return false
}
