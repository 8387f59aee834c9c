// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/ptxstage/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// EncodeMap converts a SourceMap into TOON format.
func EncodeMap(m *model.SourceMap) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("root: %s", encodeValue(m.Root)))

	var fileRows [][]string
	for i := range m.Files {
		fi := &m.Files[i]
		fileRows = append(fileRows, []string{
			fi.Path,
			strconv.Itoa(countKernels(fi)),
			fmt.Sprintf("%.4f", fi.Rank),
		})
	}
	parts = append(parts, formatTabular("files", []string{"path", "kernels", "rank"}, fileRows))

	var fnRows [][]string
	for i := range m.Files {
		fi := &m.Files[i]
		for j := range fi.Functions {
			fn := &fi.Functions[j]
			fnRows = append(fnRows, []string{
				fi.Path,
				fn.Name,
				joinQualifiers(fn.Qualifiers),
				strconv.Itoa(fn.Line),
				fn.Signature,
			})
		}
	}
	parts = append(parts, formatTabular("functions", []string{"file", "name", "qualifiers", "line", "signature"}, fnRows))

	var depRows [][]string
	for i := range m.Dependencies {
		d := &m.Dependencies[i]
		depRows = append(depRows, []string{d.Source, d.Target})
	}
	parts = append(parts, formatTabular("includes", []string{"source", "target"}, depRows))

	return strings.Join(parts, "\n")
}

// EncodeReport converts a stage report into TOON format. Sources and
// diagnostic files are shown relative to the base directory, outputs
// relative to the output directory.
func EncodeReport(r *model.Report) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("base: %s", encodeValue(r.BaseDir)))
	parts = append(parts, fmt.Sprintf("output: %s", encodeValue(r.OutputDir)))

	var fileRows [][]string
	var diagRows [][]string
	for i := range r.Files {
		f := &r.Files[i]
		fileRows = append(fileRows, []string{
			relTo(r.BaseDir, f.Source),
			relTo(r.OutputDir, f.Output),
			string(f.Status),
			strconv.Itoa(f.ExitCode),
		})
		for j := range f.Diagnostics {
			d := &f.Diagnostics[j]
			diagRows = append(diagRows, []string{
				relTo(r.BaseDir, d.File),
				strconv.Itoa(d.Line),
				strconv.Itoa(d.Column),
				string(d.Severity),
				d.Message,
			})
		}
	}
	parts = append(parts, formatTabular("files", []string{"source", "output", "status", "exit"}, fileRows))
	parts = append(parts, formatTabular("diagnostics", []string{"file", "line", "column", "severity", "message"}, diagRows))

	return strings.Join(parts, "\n")
}

func countKernels(fi *model.SourceInfo) int {
	n := 0
	for i := range fi.Functions {
		if fi.Functions[i].IsKernel() {
			n++
		}
	}
	return n
}

func joinQualifiers(qs []model.Qualifier) string {
	s := make([]string, len(qs))
	for i, q := range qs {
		s[i] = string(q)
	}
	return strings.Join(s, " ")
}

func relTo(base, path string) string {
	if path == "" || base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
