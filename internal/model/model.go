// Package model defines core data structures for ptxstage.
package model

import "fmt"

// Severity classifies a diagnostic.
type Severity string

const (
	Error   Severity = "error"
	Warning Severity = "warning"
)

// Diagnostic is a message attached to a source file. Line and Column are
// 1-based; (0, 0) means the message applies to the file as a whole.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause,omitempty"`
}

// String formats the diagnostic the way compilers do: file:line:col: severity: message.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Line, d.Column, d.Severity, d.Message)
}

// Status is the outcome of staging a single source file.
type Status string

const (
	Skipped  Status = "skipped"  // no delta reported by the tracker
	Compiled Status = "compiled" // compiler exited 0
	Failed   Status = "failed"   // compiler exited non-zero
	Errored  Status = "errored"  // output dir or compiler process could not be set up
)

// FileResult records what happened to one source file during a run.
type FileResult struct {
	Source      string
	Output      string
	Status      Status
	ExitCode    int
	Diagnostics []Diagnostic
}

// Report is the result of one staging run, with files in enumeration order.
type Report struct {
	BaseDir   string
	OutputDir string
	Files     []FileResult
}

// Count returns the number of files that ended with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for i := range r.Files {
		if r.Files[i].Status == s {
			n++
		}
	}
	return n
}

// Qualifier is a CUDA function execution-space qualifier.
type Qualifier string

const (
	Global Qualifier = "__global__"
	Device Qualifier = "__device__"
	Host   Qualifier = "__host__"
)

// Function is a function definition found in a CUDA source.
type Function struct {
	Name       string
	Line       int
	Qualifiers []Qualifier
	Signature  string
}

// IsKernel reports whether the function is a __global__ entry point.
func (f *Function) IsKernel() bool {
	for _, q := range f.Qualifiers {
		if q == Global {
			return true
		}
	}
	return false
}

// Include is a single #include directive.
type Include struct {
	Path   string
	Line   int
	System bool // <...> rather than "..."
}

// SourceInfo holds what was extracted from one CUDA source or header.
type SourceInfo struct {
	Path      string
	Functions []Function
	Includes  []Include
	Rank      float64
}

// Dependency represents an edge in the include graph: Source includes Target.
type Dependency struct {
	Source string
	Target string
}

// SourceMap is the analyzed set of CUDA sources, ready for serialization.
type SourceMap struct {
	Root         string
	Files        []SourceInfo
	Dependencies []Dependency
}
