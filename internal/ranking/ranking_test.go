package ranking

import (
	"testing"

	"github.com/phobologic/ptxstage/internal/model"
)

func makeSourceMap() *model.SourceMap {
	return &model.SourceMap{
		Root: "cuda",
		Files: []model.SourceInfo{
			{Path: "common.cuh", Rank: 0.5, Functions: []model.Function{
				{Name: "warpReduce", Qualifiers: []model.Qualifier{model.Device}},
			}},
			{Path: "reduce.cu", Rank: 0.3, Functions: []model.Function{
				{Name: "reduceSum", Qualifiers: []model.Qualifier{model.Global}},
				{Name: "launchReduce"},
			}},
			{Path: "scan.cu", Rank: 0.2, Functions: []model.Function{
				{Name: "scanInclusive", Qualifiers: []model.Qualifier{model.Global}},
			}},
		},
		Dependencies: []model.Dependency{
			{Source: "reduce.cu", Target: "common.cuh"},
			{Source: "scan.cu", Target: "common.cuh"},
		},
	}
}

func TestSelectFilesAll(t *testing.T) {
	t.Parallel()

	m := makeSourceMap()
	if got := SelectFiles(m, 0); got != m {
		t.Error("maxFiles=0 should return original")
	}
	if got := SelectFiles(m, 5); got != m {
		t.Error("maxFiles > len should return original")
	}
	if got := SelectFiles(m, 3); got != m {
		t.Error("maxFiles == len should return original")
	}
}

func TestSelectFilesSubset(t *testing.T) {
	t.Parallel()

	got := SelectFiles(makeSourceMap(), 2)

	if len(got.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got.Files))
	}
	if got.Files[0].Path != "common.cuh" || got.Files[1].Path != "reduce.cu" {
		t.Errorf("expected common.cuh, reduce.cu; got %s, %s", got.Files[0].Path, got.Files[1].Path)
	}

	// scan.cu is not selected, so only reduce.cu→common.cuh survives
	if len(got.Dependencies) != 1 {
		t.Fatalf("expected 1 dep, got %d", len(got.Dependencies))
	}
	if got.Dependencies[0].Source != "reduce.cu" {
		t.Errorf("unexpected dep: %+v", got.Dependencies[0])
	}
}

func TestFilterByFunction(t *testing.T) {
	t.Parallel()

	got := FilterByFunction(makeSourceMap(), "REDUCESUM")

	if len(got.Files) != 2 {
		t.Fatalf("expected 2 files (match + included header), got %d: %+v", len(got.Files), got.Files)
	}
	paths := map[string]model.SourceInfo{}
	for _, f := range got.Files {
		paths[f.Path] = f
	}
	reduce, ok := paths["reduce.cu"]
	if !ok {
		t.Fatal("reduce.cu missing")
	}
	if len(reduce.Functions) != 1 || reduce.Functions[0].Name != "reduceSum" {
		t.Errorf("reduce.cu functions = %+v, want only reduceSum", reduce.Functions)
	}
	if _, ok := paths["common.cuh"]; !ok {
		t.Error("included header common.cuh missing")
	}
	if _, ok := paths["scan.cu"]; ok {
		t.Error("scan.cu should be filtered out")
	}
	if len(got.Dependencies) != 1 {
		t.Errorf("expected 1 dep, got %d", len(got.Dependencies))
	}
}

func TestFilterByFunctionNoMatch(t *testing.T) {
	t.Parallel()

	got := FilterByFunction(makeSourceMap(), "nothing")
	if len(got.Files) != 0 || len(got.Dependencies) != 0 {
		t.Errorf("expected empty map, got %+v", got)
	}
}
