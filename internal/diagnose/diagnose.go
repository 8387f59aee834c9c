// Package diagnose turns compiler error output into diagnostics.
//
// Scraping compiler text with regular expressions is fragile: only
// single-line errors in the exact expected shape are recognised. Warnings,
// notes and multi-line messages (template instantiation traces, for
// example) produce no diagnostic. Each supported output format is a separate
// Parser so a new compiler version can get its own pattern.
package diagnose

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/phobologic/ptxstage/internal/model"
)

// Parser recognises diagnostics in single lines of compiler output.
type Parser interface {
	Name() string
	// ParseLine returns the diagnostic described by line, if any. File is
	// left empty; callers attach the diagnostic to the compiled input.
	ParseLine(line string) (model.Diagnostic, bool)
}

// Default is the format used when none is configured.
const Default = "nvcc"

var formats = map[string]Parser{
	"nvcc":  NVCC,
	"clang": Clang,
}

// Lookup returns the parser registered under name.
func Lookup(name string) (Parser, error) {
	if p, ok := formats[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown diagnostic format %q (known: %s)", name, strings.Join(Formats(), ", "))
}

// Formats returns the registered format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// regexParser matches whole lines. The pattern has named groups "line" and
// "message" and optionally "column"; without a column group, column 1 is used.
type regexParser struct {
	name string
	re   *regexp.Regexp
}

// NVCC matches `<path>.cu(<line>): error: <message>`.
var NVCC Parser = &regexParser{
	name: "nvcc",
	re:   regexp.MustCompile(`^.*?\.cu\((?P<line>[0-9]+)\): error: (?P<message>.*)$`),
}

// Clang matches `<path>.cu:<line>:<column>: error: <message>`, as printed by
// clang when compiling CUDA.
var Clang Parser = &regexParser{
	name: "clang",
	re:   regexp.MustCompile(`^.*?\.cu:(?P<line>[0-9]+):(?P<column>[0-9]+): error: (?P<message>.*)$`),
}

func (p *regexParser) Name() string { return p.name }

func (p *regexParser) ParseLine(line string) (model.Diagnostic, bool) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return model.Diagnostic{}, false
	}

	d := model.Diagnostic{Column: 1, Severity: model.Error}
	for i, name := range p.re.SubexpNames() {
		switch name {
		case "line":
			n, err := strconv.Atoi(m[i])
			if err != nil {
				return model.Diagnostic{}, false
			}
			d.Line = n
		case "column":
			n, err := strconv.Atoi(m[i])
			if err != nil {
				return model.Diagnostic{}, false
			}
			d.Column = n
		case "message":
			d.Message = m[i]
		}
	}
	return d, true
}

// Scan applies p to every line of r and returns the recognised diagnostics
// in the order the lines appeared. Unrecognised lines are dropped.
func Scan(r io.Reader, p Parser) ([]model.Diagnostic, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var diags []model.Diagnostic
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if d, ok := p.ParseLine(line); ok {
			diags = append(diags, d)
		}
	}
	return diags, sc.Err()
}
