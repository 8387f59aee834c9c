package graph

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/phobologic/ptxstage/internal/model"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newResolver(t *testing.T, dirs ...string) *Resolver {
	t.Helper()
	r, err := NewResolver(dirs)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestClosureTransitive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeFile(t, dir, "kernels/add.cu", "#include \"../include/math.cuh\"\n__global__ void add() {}\n")
	mathH := writeFile(t, dir, "include/math.cuh", "#include \"types.cuh\"\n")
	typesH := writeFile(t, dir, "include/types.cuh", "typedef float real;\n")

	r := newResolver(t)
	got := r.Closure(src)
	want := []string{mathH, typesH}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Closure = %v, want %v", got, want)
	}
}

func TestClosureIncludeDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeFile(t, dir, "src/k.cu", "#include \"shared.cuh\"\n#include <vendor.cuh>\n#include <cuda_runtime.h>\n")
	shared := writeFile(t, dir, "inc/shared.cuh", "")
	vendor := writeFile(t, dir, "inc/vendor.cuh", "")

	r := newResolver(t, filepath.Join(dir, "inc"))
	got := r.Closure(src)
	want := []string{shared, vendor}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Closure = %v, want %v", got, want)
	}
}

func TestClosureCycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeFile(t, dir, "a.cuh", "#include \"b.cuh\"\n")
	b := writeFile(t, dir, "b.cuh", "#include \"a.cuh\"\n")
	src := writeFile(t, dir, "main.cu", "#include \"a.cuh\"\n")

	r := newResolver(t)
	got := r.Closure(src)
	want := []string{a, b}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Closure = %v, want %v", got, want)
	}
}

func TestClosureMissingFile(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	if got := r.Closure(filepath.Join(t.TempDir(), "gone.cu")); len(got) != 0 {
		t.Errorf("Closure of missing file = %v, want empty", got)
	}
}

func TestBuildIncludeGraph(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.cu", "")
	writeFile(t, dir, "b.cu", "")
	writeFile(t, dir, "common.cuh", "")

	infos := []model.SourceInfo{
		{Path: "a.cu", Includes: []model.Include{{Path: "common.cuh"}, {Path: "common.cuh"}, {Path: "cuda.h", System: true}}},
		{Path: "b.cu", Includes: []model.Include{{Path: "common.cuh"}, {Path: "missing.cuh"}}},
		{Path: "common.cuh"},
	}

	deps := BuildIncludeGraph(dir, infos, newResolver(t))
	want := []model.Dependency{
		{Source: "a.cu", Target: "common.cuh"},
		{Source: "b.cu", Target: "common.cuh"},
	}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("deps = %+v, want %+v", deps, want)
	}
}

func TestRankUniform(t *testing.T) {
	t.Parallel()

	infos := []model.SourceInfo{{Path: "b.cu"}, {Path: "a.cu"}}
	Rank(infos, nil)

	for _, fi := range infos {
		if math.Abs(fi.Rank-0.5) > 1e-9 {
			t.Errorf("%s rank = %f, want 0.5", fi.Path, fi.Rank)
		}
	}
	if infos[0].Path != "a.cu" {
		t.Errorf("equal ranks should sort by path, got %q first", infos[0].Path)
	}
}

func TestRankHeaderFirst(t *testing.T) {
	t.Parallel()

	infos := []model.SourceInfo{{Path: "a.cu"}, {Path: "b.cu"}, {Path: "common.cuh"}}
	deps := []model.Dependency{
		{Source: "a.cu", Target: "common.cuh"},
		{Source: "b.cu", Target: "common.cuh"},
	}
	Rank(infos, deps)

	if infos[0].Path != "common.cuh" {
		t.Errorf("expected common.cuh ranked first, got %q", infos[0].Path)
	}

	var total float64
	for _, fi := range infos {
		total += fi.Rank
	}
	if math.Abs(total-1.0) > 1e-3 {
		t.Errorf("ranks sum to %f, want 1.0", total)
	}
}

func TestRankEmpty(t *testing.T) {
	t.Parallel()
	Rank(nil, nil)
}
