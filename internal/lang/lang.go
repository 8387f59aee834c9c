// Package lang provides CUDA language support on top of the tree-sitter C++
// grammar and its embedded query file.
package lang

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"

	"github.com/phobologic/ptxstage/internal/model"
)

//go:embed queries/*.scm
var queryFS embed.FS

var whitespaceRe = regexp.MustCompile(`\s+`)

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	lang       *sitter.Language
	queryOnce  sync.Once
	query      *sitter.Query
	queryErr   error
}

// CUDA sources and headers. The C++ grammar parses them once MaskCUDA has
// removed the CUDA extensions.
var CUDA = &Language{
	Name:       "cuda",
	Extensions: []string{".cu", ".cuh"},
	lang:       cpp.GetLanguage(),
}

// GetLanguage returns the tree-sitter Language pointer.
func (l *Language) GetLanguage() *sitter.Language {
	return l.lang
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// GetTagQuery returns the compiled tree-sitter query (safe to share across goroutines).
func (l *Language) GetTagQuery() (*sitter.Query, error) {
	l.queryOnce.Do(func() {
		data, err := queryFS.ReadFile(fmt.Sprintf("queries/%s.scm", l.Name))
		if err != nil {
			l.queryErr = fmt.Errorf("reading query file: %w", err)
			return
		}
		q, err := sitter.NewQuery(data, l.lang)
		if err != nil {
			l.queryErr = fmt.Errorf("compiling query: %w", err)
			return
		}
		l.query = q
	})
	return l.query, l.queryErr
}

var (
	qualifierRe    = regexp.MustCompile(`\b(__global__|__device__|__host__|__forceinline__|__noinline__|__shared__|__constant__|__managed__|__restrict__|__grid_constant__)\b`)
	launchBoundsRe = regexp.MustCompile(`__launch_bounds__\s*\([^)]*\)`)
	launchConfigRe = regexp.MustCompile(`<<<[^;]*?>>>`)
)

// Span is a masked execution-space qualifier, as byte offsets into the source.
type Span struct {
	Start, End int
	Qualifier  model.Qualifier
}

// MaskCUDA returns a copy of src with CUDA-only syntax replaced by spaces.
// Newlines are kept, so byte offsets and line numbers of the result match src.
// The returned spans locate the __global__, __device__ and __host__ qualifiers.
func MaskCUDA(src []byte) ([]byte, []Span) {
	out := make([]byte, len(src))
	copy(out, src)

	var spans []Span
	for _, loc := range qualifierRe.FindAllIndex(src, -1) {
		switch q := model.Qualifier(src[loc[0]:loc[1]]); q {
		case model.Global, model.Device, model.Host:
			spans = append(spans, Span{Start: loc[0], End: loc[1], Qualifier: q})
		}
		blank(out, loc[0], loc[1])
	}
	for _, re := range []*regexp.Regexp{launchBoundsRe, launchConfigRe} {
		for _, loc := range re.FindAllIndex(src, -1) {
			blank(out, loc[0], loc[1])
		}
	}
	return out, spans
}

func blank(b []byte, start, end int) {
	for i := start; i < end; i++ {
		if b[i] != '\n' {
			b[i] = ' '
		}
	}
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// CollapseWhitespace replaces runs of whitespace with a single space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
