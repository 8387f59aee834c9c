// Package graph resolves #include directives into an include graph and
// computes PageRank over it.
package graph

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/ptxstage/internal/lang"
	"github.com/phobologic/ptxstage/internal/model"
	"github.com/phobologic/ptxstage/internal/parse"
)

// Resolver maps include directives to files on disk. Quoted includes are
// looked up next to the including file first, then in IncludeDirs; system
// includes only in IncludeDirs. Parsed results are memoised per file, so a
// Resolver describes one point in time and should not outlive a run.
type Resolver struct {
	includeDirs []string

	mu     sync.Mutex
	parser *sitter.Parser
	query  *sitter.Query
	direct map[string][]string
}

// NewResolver returns a Resolver searching the given include directories.
func NewResolver(includeDirs []string) (*Resolver, error) {
	q, err := lang.CUDA.GetTagQuery()
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(includeDirs))
	for _, d := range includeDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, abs)
	}
	return &Resolver{
		includeDirs: dirs,
		parser:      lang.CUDA.NewParser(),
		query:       q,
		direct:      make(map[string][]string),
	}, nil
}

// Resolve returns the absolute path inc refers to when included from file.
func (r *Resolver) Resolve(file string, inc model.Include) (string, bool) {
	var candidates []string
	if !inc.System {
		candidates = append(candidates, filepath.Join(filepath.Dir(file), inc.Path))
	}
	for _, d := range r.includeDirs {
		candidates = append(candidates, filepath.Join(d, inc.Path))
	}
	for _, c := range candidates {
		fi, err := os.Stat(c)
		if err == nil && fi.Mode().IsRegular() {
			abs, err := filepath.Abs(c)
			if err != nil {
				continue
			}
			return abs, true
		}
	}
	return "", false
}

// Includes returns the resolved files directly included by path.
func (r *Resolver) Includes(path string) ([]string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.includesLocked(path)
}

func (r *Resolver) includesLocked(path string) ([]string, error) {
	if deps, ok := r.direct[path]; ok {
		return deps, nil
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info := parse.ExtractSource(r.parser, r.query, source, path)

	seen := make(map[string]struct{})
	var deps []string
	for _, inc := range info.Includes {
		target, ok := r.Resolve(path, inc)
		if !ok || target == path {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		deps = append(deps, target)
	}
	sort.Strings(deps)
	r.direct[path] = deps
	return deps, nil
}

// Closure returns the sorted set of files transitively included by path,
// excluding path itself. Files that cannot be read contribute no edges.
func (r *Resolver) Closure(path string) []string {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	visited := map[string]struct{}{path: {}}
	queue := []string{path}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		deps, err := r.includesLocked(cur)
		if err != nil {
			continue
		}
		for _, d := range deps {
			if _, ok := visited[d]; ok {
				continue
			}
			visited[d] = struct{}{}
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	sort.Strings(out)
	return out
}

// BuildIncludeGraph creates include edges between the given files. Paths in
// infos are relative to root; edges to files outside infos are dropped.
func BuildIncludeGraph(root string, infos []model.SourceInfo, r *Resolver) []model.Dependency {
	known := make(map[string]struct{}, len(infos))
	for i := range infos {
		known[infos[i].Path] = struct{}{}
	}

	type edgeKey struct{ src, tgt string }
	seen := make(map[edgeKey]struct{})

	var deps []model.Dependency
	for i := range infos {
		fi := &infos[i]
		from := filepath.Join(root, fi.Path)
		for _, inc := range fi.Includes {
			target, ok := r.Resolve(from, inc)
			if !ok {
				continue
			}
			rel, err := filepath.Rel(root, target)
			if err != nil {
				continue
			}
			if _, ok := known[rel]; !ok || rel == fi.Path {
				continue
			}
			key := edgeKey{fi.Path, rel}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			deps = append(deps, model.Dependency{Source: fi.Path, Target: rel})
		}
	}

	// Sort for deterministic output
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Source != deps[j].Source {
			return deps[i].Source < deps[j].Source
		}
		return deps[i].Target < deps[j].Target
	})

	return deps
}

// Rank applies PageRank to infos and sorts them by rank descending, ties by
// path. Widely included headers rank highest.
func Rank(infos []model.SourceInfo, deps []model.Dependency) {
	if len(infos) == 0 {
		return
	}

	byPath := func(i, j int) bool {
		if infos[i].Rank != infos[j].Rank {
			return infos[i].Rank > infos[j].Rank
		}
		return infos[i].Path < infos[j].Path
	}

	if len(deps) == 0 {
		uniform := 1.0 / float64(len(infos))
		for i := range infos {
			infos[i].Rank = uniform
		}
		sort.SliceStable(infos, byPath)
		return
	}

	outEdges := make(map[string][]string)
	outDegree := make(map[string]int)
	nodes := make(map[string]struct{})

	for i := range infos {
		nodes[infos[i].Path] = struct{}{}
	}

	for _, d := range deps {
		if _, ok := nodes[d.Target]; !ok {
			continue
		}
		outEdges[d.Source] = append(outEdges[d.Source], d.Target)
		outDegree[d.Source]++
	}

	ranks := pageRank(nodes, outEdges, outDegree, 0.85, 100, 1e-6)

	for i := range infos {
		infos[i].Rank = ranks[infos[i].Path]
	}

	sort.SliceStable(infos, byPath)
}

func pageRank(
	nodes map[string]struct{},
	outEdges map[string][]string,
	outDegree map[string]int,
	alpha float64,
	maxIter int,
	tol float64,
) map[string]float64 {
	n := len(nodes)
	if n == 0 {
		return nil
	}

	rank := make(map[string]float64, n)
	initial := 1.0 / float64(n)
	for node := range nodes {
		rank[node] = initial
	}

	teleport := (1.0 - alpha) / float64(n)

	for iter := 0; iter < maxIter; iter++ {
		newRank := make(map[string]float64, n)

		// Files that include nothing spread their rank evenly.
		var danglingSum float64
		for node := range nodes {
			if outDegree[node] == 0 {
				danglingSum += rank[node]
			}
		}
		danglingContrib := alpha * danglingSum / float64(n)

		for node := range nodes {
			newRank[node] = teleport + danglingContrib
		}

		for src, targets := range outEdges {
			deg := float64(outDegree[src])
			contrib := alpha * rank[src] / deg
			for _, tgt := range targets {
				newRank[tgt] += contrib
			}
		}

		var diff float64
		for node := range nodes {
			diff += math.Abs(newRank[node] - rank[node])
		}

		rank = newRank

		if diff < tol {
			break
		}
	}

	return rank
}
