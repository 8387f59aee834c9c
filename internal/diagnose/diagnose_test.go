package diagnose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/ptxstage/internal/model"
)

func TestNVCCParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		ok       bool
		wantLine int
		wantMsg  string
	}{
		{"bare file", "foo.cu(42): error: undefined identifier X", true, 42, "undefined identifier X"},
		{"absolute path", "/home/me/src/main/cuda/a/b.cu(7): error: expected a \";\"", true, 7, `expected a ";"`},
		{"empty message", "k.cu(1): error: ", true, 1, ""},
		{"warning", "foo.cu(3): warning: variable \"x\" was declared but never referenced", false, 0, ""},
		{"header", "common.cuh(3): error: identifier \"y\" is undefined", false, 0, ""},
		{"continuation", "          detected during instantiation of \"void f<T>()\"", false, 0, ""},
		{"summary", "1 error detected in the compilation of \"foo.cu\".", false, 0, ""},
		{"no digits", "foo.cu(): error: bad", false, 0, ""},
		{"overflow", "foo.cu(99999999999999999999): error: big", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, ok := NVCC.ParseLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantLine, d.Line)
			assert.Equal(t, 1, d.Column)
			assert.Equal(t, tt.wantMsg, d.Message)
			assert.Equal(t, model.Error, d.Severity)
			assert.Empty(t, d.File)
		})
	}
}

func TestClangParseLine(t *testing.T) {
	t.Parallel()

	d, ok := Clang.ParseLine("src/kernel.cu:12:5: error: use of undeclared identifier 'foo'")
	require.True(t, ok)
	assert.Equal(t, 12, d.Line)
	assert.Equal(t, 5, d.Column)
	assert.Equal(t, "use of undeclared identifier 'foo'", d.Message)

	_, ok = Clang.ParseLine("src/kernel.cu:12:5: warning: unused variable 'x'")
	assert.False(t, ok)

	_, ok = Clang.ParseLine("foo.cu(42): error: nvcc style")
	assert.False(t, ok)
}

func TestScanOrder(t *testing.T) {
	t.Parallel()

	stderr := strings.Join([]string{
		"a.cu(10): error: first",
		"a.cu(11): warning: ignored",
		"",
		"a.cu(2): error: second\r",
		"2 errors detected in the compilation of \"a.cu\".",
	}, "\n")

	diags, err := Scan(strings.NewReader(stderr), NVCC)
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, 10, diags[0].Line)
	assert.Equal(t, "first", diags[0].Message)
	assert.Equal(t, 2, diags[1].Line)
	assert.Equal(t, "second", diags[1].Message)
}

func TestScanEmpty(t *testing.T) {
	t.Parallel()

	diags, err := Scan(strings.NewReader(""), NVCC)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	p, err := Lookup("NVCC")
	require.NoError(t, err)
	assert.Equal(t, "nvcc", p.Name())

	p, err = Lookup(" clang ")
	require.NoError(t, err)
	assert.Equal(t, "clang", p.Name())

	_, err = Lookup("msvc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clang, nvcc")
}
