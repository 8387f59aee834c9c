// Package discover finds CUDA source files under a base directory.
package discover

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is read from the base directory when present. It uses gitignore syntax.
const IgnoreFile = ".ptxignore"

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path string // Relative to the base directory
	Abs  string
}

// Files recursively enumerates regular files under root whose name ends in
// one of the given extensions. Extensions may be given with or without the
// leading dot. Symbolic links are followed: a link to a regular file is a
// source and a link to a directory is walked, each resolved directory once.
// Dangling links are skipped. Unlike a best-effort scan, any other traversal
// error is returned: an unreadable base directory is a configuration
// problem, not an empty tree.
func Files(root string, extensions []string) ([]FileEntry, error) {
	suffixes := normalizeExtensions(extensions)
	if len(suffixes) == 0 {
		return nil, errors.New("no extensions configured")
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root)
	}

	w := &walker{
		suffixes: suffixes,
		gi:       loadIgnore(root),
		visited:  make(map[string]bool),
	}
	if err := w.walk(root, ""); err != nil {
		return nil, err
	}

	sort.Slice(w.results, func(i, j int) bool {
		return w.results[i].Path < w.results[j].Path
	})

	return w.results, nil
}

type walker struct {
	suffixes []string
	gi       *ignore.GitIgnore
	visited  map[string]bool // resolved directory paths already walked
	results  []FileEntry
}

// walk enumerates dir, reporting entries relative to the base directory as
// rel/... and with absolute paths under dir, even when dir is reached
// through a link.
func (w *walker) walk(dir, rel string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	return filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		sub, err := filepath.Rel(resolved, path)
		if err != nil {
			return err
		}
		relPath := filepath.Join(rel, sub)
		absPath := filepath.Join(dir, sub)
		slashRel := filepath.ToSlash(relPath)

		if d.IsDir() {
			if w.visited[path] {
				return filepath.SkipDir
			}
			if path != resolved && w.ignored(slashRel+"/") {
				return filepath.SkipDir
			}
			w.visited[path] = true
			return nil
		}

		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				return nil
			}
			if target.IsDir() {
				if w.ignored(slashRel + "/") {
					return nil
				}
				return w.walk(absPath, relPath)
			}
			mode = target.Mode()
		}

		// Regular files only; devices and sockets are not sources.
		if !mode.IsRegular() {
			return nil
		}
		if !hasSuffix(d.Name(), w.suffixes) || w.ignored(slashRel) {
			return nil
		}

		w.results = append(w.results, FileEntry{Path: relPath, Abs: absPath})
		return nil
	})
}

func (w *walker) ignored(slashRel string) bool {
	return w.gi != nil && w.gi.MatchesPath(slashRel)
}

func normalizeExtensions(extensions []string) []string {
	var out []string
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		out = append(out, "."+ext)
	}
	return out
}

func hasSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) && len(name) > len(s) {
			return true
		}
	}
	return false
}

func loadIgnore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, IgnoreFile))
	if err != nil {
		return nil
	}
	return gi
}
