// Package stage compiles changed CUDA sources and stages the resulting
// artifacts into an output directory.
//
// A run:
//  1. Enumerates sources under BaseDir (a traversal failure aborts the run)
//  2. Skips every source the tracker reports as unchanged
//  3. Clears the source's old diagnostics and creates the output directory
//  4. Runs the compiler, turning its error output into diagnostics
//  5. Refreshes the output artifact with the tracker
//
// Per-file failures never fail the run; they surface as diagnostics. Whether
// those fail the build is up to the tracker's owner.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/ptxstage/internal/compiler"
	"github.com/phobologic/ptxstage/internal/diagnose"
	"github.com/phobologic/ptxstage/internal/discover"
	"github.com/phobologic/ptxstage/internal/model"
	"github.com/phobologic/ptxstage/internal/tracker"
)

// Messages reported at position (0, 0) when a file cannot be processed.
const (
	MsgMkdirFailed   = "could not create output directories"
	MsgCompileFailed = "could not compile"
)

// Errors returned by Run before any file is processed.
var (
	// ErrNoCompiler means the stager was built without a Compiler.
	ErrNoCompiler = errors.New("no compiler configured")
	// ErrNoTracker means the stager was built without a Tracker.
	ErrNoTracker = errors.New("no tracker configured")
)

// Options is the stager's configuration surface.
type Options struct {
	BaseDir      string
	Extensions   []string
	OutputDir    string
	PreservePath bool
	// OutputExtension replaces the source extension, e.g. ".ptx".
	OutputExtension string
	// Jobs is the number of files compiled at once; values below 2 keep
	// the run fully sequential.
	Jobs int
}

// Stager runs the compiler over changed sources.
type Stager struct {
	Options
	Compiler compiler.Compiler
	Tracker  tracker.Tracker
	Parser   diagnose.Parser    // defaults to diagnose.NVCC
	Logger   logrus.FieldLogger // defaults to the logrus standard logger
}

// Run stages every changed source once. The returned error is non-nil only
// when the sources could not be enumerated or ctx was cancelled; the report
// then covers the files handled so far.
func (s *Stager) Run(ctx context.Context) (*model.Report, error) {
	if s.Compiler == nil {
		return nil, ErrNoCompiler
	}
	if s.Tracker == nil {
		return nil, ErrNoTracker
	}
	log := s.logger()

	baseDir, err := filepath.Abs(s.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory: %w", err)
	}
	outputDir, err := filepath.Abs(s.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory: %w", err)
	}

	files, err := discover.Files(baseDir, s.Extensions)
	if err != nil {
		return nil, fmt.Errorf("enumerating sources in %s: %w", baseDir, err)
	}

	log.Infof("Compiling %d cuda source file(s) to %s", len(files), outputDir)

	report := &model.Report{
		BaseDir:   baseDir,
		OutputDir: outputDir,
		Files:     make([]model.FileResult, len(files)),
	}

	if s.Jobs < 2 || len(files) < 2 {
		for i, f := range files {
			if err := ctx.Err(); err != nil {
				report.Files = report.Files[:i]
				return report, err
			}
			report.Files[i] = s.processFile(ctx, s.Tracker, f, outputDir)
		}
		return report, nil
	}

	tr := tracker.NewLocked(s.Tracker)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Jobs)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Files[i] = s.processFile(gctx, tr, f, outputDir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return trimUnprocessed(report), err
	}
	return report, nil
}

func (s *Stager) processFile(ctx context.Context, tr tracker.Tracker, f discover.FileEntry, outputDir string) model.FileResult {
	input := f.Abs
	res := model.FileResult{Source: input}
	log := s.logger().WithField("file", input)

	if !tr.HasDelta(input) {
		log.Debug("unchanged, skipping")
		res.Status = model.Skipped
		return res
	}
	tr.RemoveMessages(input)

	report := func(line, column int, message string, cause error) {
		tr.AddMessage(input, line, column, message, model.Error, cause)
		d := model.Diagnostic{File: input, Line: line, Column: column, Message: message, Severity: model.Error}
		if cause != nil {
			d.Cause = cause.Error()
		}
		res.Diagnostics = append(res.Diagnostics, d)
	}

	output := OutputPath(f.Path, outputDir, s.PreservePath, s.outputExtension())
	res.Output = output

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		log.WithError(err).Error(MsgMkdirFailed)
		report(0, 0, MsgMkdirFailed, err)
		res.Status = model.Errored
		return res
	}

	canonical, err := filepath.EvalSymlinks(input)
	if err != nil {
		log.WithError(err).Error(MsgCompileFailed)
		report(0, 0, MsgCompileFailed, err)
		res.Status = model.Errored
		return res
	}

	result, err := s.Compiler.Compile(ctx, canonical, output)
	if err != nil {
		log.WithError(err).Error(MsgCompileFailed)
		report(0, 0, MsgCompileFailed, err)
		res.Status = model.Errored
		return res
	}

	res.ExitCode = result.ExitCode
	if result.ExitCode == 0 {
		res.Status = model.Compiled
	} else {
		res.Status = model.Failed
		diags, err := diagnose.Scan(bytes.NewReader(result.Stderr), s.parser())
		if err != nil {
			log.WithError(err).Warn("reading compiler output")
		}
		for _, d := range diags {
			report(d.Line, d.Column, d.Message, nil)
		}
		if len(diags) == 0 {
			log.WithField("exit", result.ExitCode).Warn(strings.TrimSpace(string(result.Stderr)))
			report(0, 0, fmt.Sprintf("compilation failed with exit status %d, see log", result.ExitCode), nil)
		}
	}

	log.Infof("Compiled %s", output)
	tr.Refresh(output)
	return res
}

// OutputPath maps a source, given relative to the base directory, to its
// artifact path. With preserve set the relative directories are mirrored
// under outputDir; otherwise the artifact goes directly into outputDir. The
// source extension (after the last dot of the file name) is replaced by ext.
func OutputPath(rel, outputDir string, preserve bool, ext string) string {
	if !preserve {
		rel = filepath.Base(rel)
	}
	return filepath.Join(outputDir, stripExtension(rel)+ext)
}

func stripExtension(path string) string {
	base := filepath.Base(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		return path[:len(path)-len(base)+i]
	}
	return path
}

// trimUnprocessed drops the zero entries left by goroutines that never ran.
func trimUnprocessed(r *model.Report) *model.Report {
	files := r.Files[:0]
	for _, f := range r.Files {
		if f.Source != "" {
			files = append(files, f)
		}
	}
	r.Files = files
	return r
}

func (s *Stager) outputExtension() string {
	ext := s.OutputExtension
	if ext == "" {
		return compiler.PTX.Extension()
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func (s *Stager) parser() diagnose.Parser {
	if s.Parser == nil {
		return diagnose.NVCC
	}
	return s.Parser
}

func (s *Stager) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
