package discover

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverCudaFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "vector_add.cu", "__global__ void add() {}")
	writeFile(t, dir, "nested/deep/reduce.cu", "__global__ void reduce() {}")
	// Headers and other files should be ignored
	writeFile(t, dir, "common.cuh", "#pragma once")
	writeFile(t, dir, "readme.txt", "hello")
	writeFile(t, dir, "notes.cu.bak", "old")

	entries, err := Files(dir, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), paths)
	}

	// Should be sorted
	if entries[0].Path != filepath.Join("nested", "deep", "reduce.cu") {
		t.Errorf("entry 0: got %q", entries[0].Path)
	}
	if entries[1].Path != "vector_add.cu" {
		t.Errorf("entry 1: got %q", entries[1].Path)
	}

	for _, e := range entries {
		if !filepath.IsAbs(e.Abs) {
			t.Errorf("entry %q: Abs %q is not absolute", e.Path, e.Abs)
		}
	}
}

func TestDiscoverMultipleExtensions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.cu", "")
	writeFile(t, dir, "b.cuda", "")
	writeFile(t, dir, "c.cpp", "")

	entries, err := Files(dir, []string{".cu", "cuda"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "a.cu" || entries[1].Path != "b.cuda" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestDiscoverHiddenFilesIncluded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ".generated/kernel.cu", "")

	entries, err := Files(dir, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestDiscoverIgnoreFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, IgnoreFile, "experimental/\nscratch_*.cu\n")
	writeFile(t, dir, "main.cu", "")
	writeFile(t, dir, "scratch_one.cu", "")
	writeFile(t, dir, "experimental/wip.cu", "")

	entries, err := Files(dir, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].Path != "main.cu" {
		t.Errorf("expected main.cu, got %q", entries[0].Path)
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	base := filepath.Join(tmp, "base")
	other := filepath.Join(tmp, "other")
	writeFile(t, base, "plain.cu", "")
	writeFile(t, other, "shared.cu", "")
	writeFile(t, other, "sub/k.cu", "")

	if err := os.Symlink(filepath.Join(other, "shared.cu"), filepath.Join(base, "link.cu")); err != nil {
		t.Skip("symlinks not supported")
	}
	if err := os.Symlink(filepath.Join(other, "sub"), filepath.Join(base, "linkdir")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(other, "missing.cu"), filepath.Join(base, "dangling.cu")); err != nil {
		t.Fatal(err)
	}

	entries, err := Files(base, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"link.cu", filepath.Join("linkdir", "k.cu"), "plain.cu"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	if got := entries[1].Abs; got != filepath.Join(base, "linkdir", "k.cu") {
		t.Errorf("linked dir entry Abs = %q, want it under the link", got)
	}
}

func TestDiscoverSymlinkCycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "sub/k.cu", "")

	if err := os.Symlink(dir, filepath.Join(dir, "sub", "up")); err != nil {
		t.Skip("symlinks not supported")
	}
	if err := os.Symlink(filepath.Join(dir, "sub"), filepath.Join(dir, "sub", "self")); err != nil {
		t.Fatal(err)
	}

	entries, err := Files(dir, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != filepath.Join("sub", "k.cu") {
		t.Errorf("expected only sub/k.cu, got %v", entries)
	}
}

func TestDiscoverIgnoresLinkedDir(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	base := filepath.Join(tmp, "base")
	writeFile(t, base, "keep.cu", "")
	writeFile(t, base, IgnoreFile, "vendor/\n")
	writeFile(t, tmp, "third_party/lib.cu", "")

	if err := os.Symlink(filepath.Join(tmp, "third_party"), filepath.Join(base, "vendor")); err != nil {
		t.Skip("symlinks not supported")
	}

	entries, err := Files(base, []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "keep.cu" {
		t.Errorf("expected only keep.cu, got %v", entries)
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := Files(filepath.Join(t.TempDir(), "does-not-exist"), []string{"cu"})
	if err == nil {
		t.Fatal("expected error for missing base directory")
	}
}

func TestDiscoverRootIsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "file.cu", "")

	_, err := Files(filepath.Join(dir, "file.cu"), []string{"cu"})
	if err == nil {
		t.Fatal("expected error when base directory is a file")
	}
}

func TestDiscoverNoExtensions(t *testing.T) {
	t.Parallel()

	if _, err := Files(t.TempDir(), []string{"", " "}); err == nil {
		t.Fatal("expected error for empty extension list")
	}
}

func TestDiscoverEmptyTree(t *testing.T) {
	t.Parallel()

	entries, err := Files(t.TempDir(), []string{"cu"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
