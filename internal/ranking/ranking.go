// Package ranking selects and filters files of a SourceMap.
package ranking

import (
	"strings"

	"github.com/phobologic/ptxstage/internal/model"
)

// SelectFiles returns a new SourceMap with only the top-ranked files.
// If maxFiles is <= 0 or >= len(files), m is returned unchanged.
func SelectFiles(m *model.SourceMap, maxFiles int) *model.SourceMap {
	if maxFiles <= 0 || maxFiles >= len(m.Files) {
		return m
	}

	selected := m.Files[:maxFiles]
	selectedPaths := make(map[string]struct{}, maxFiles)
	for i := range selected {
		selectedPaths[selected[i].Path] = struct{}{}
	}

	return &model.SourceMap{
		Root:         m.Root,
		Files:        selected,
		Dependencies: keepDeps(m.Dependencies, selectedPaths),
	}
}

// FilterByFunction returns a new SourceMap containing the files that define
// a function whose name contains substr (case-insensitive), trimmed to the
// matching functions, plus the headers those files include directly.
func FilterByFunction(m *model.SourceMap, substr string) *model.SourceMap {
	lower := strings.ToLower(substr)

	matched := make(map[string]struct{})
	for i := range m.Files {
		for j := range m.Files[i].Functions {
			if strings.Contains(strings.ToLower(m.Files[i].Functions[j].Name), lower) {
				matched[m.Files[i].Path] = struct{}{}
				break
			}
		}
	}

	keep := make(map[string]struct{}, len(matched))
	for p := range matched {
		keep[p] = struct{}{}
	}
	for _, d := range m.Dependencies {
		if _, ok := matched[d.Source]; ok {
			keep[d.Target] = struct{}{}
		}
	}

	var files []model.SourceInfo
	for i := range m.Files {
		if _, ok := keep[m.Files[i].Path]; !ok {
			continue
		}
		fi := m.Files[i]
		var fns []model.Function
		for j := range fi.Functions {
			if strings.Contains(strings.ToLower(fi.Functions[j].Name), lower) {
				fns = append(fns, fi.Functions[j])
			}
		}
		fi.Functions = fns
		files = append(files, fi)
	}

	return &model.SourceMap{
		Root:         m.Root,
		Files:        files,
		Dependencies: keepDeps(m.Dependencies, keep),
	}
}

func keepDeps(deps []model.Dependency, paths map[string]struct{}) []model.Dependency {
	var out []model.Dependency
	for i := range deps {
		d := &deps[i]
		_, srcOK := paths[d.Source]
		_, tgtOK := paths[d.Target]
		if srcOK && tgtOK {
			out = append(out, *d)
		}
	}
	return out
}
