// ptxstage compiles CUDA sources to PTX (or cubin/fatbin) with nvcc and stages
// the artifacts into a build's output directory, rebuilding only what changed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/phobologic/ptxstage/internal/compiler"
	"github.com/phobologic/ptxstage/internal/config"
	"github.com/phobologic/ptxstage/internal/diagnose"
	"github.com/phobologic/ptxstage/internal/graph"
	"github.com/phobologic/ptxstage/internal/model"
	"github.com/phobologic/ptxstage/internal/publish"
	"github.com/phobologic/ptxstage/internal/stage"
	"github.com/phobologic/ptxstage/internal/toon"
	"github.com/phobologic/ptxstage/internal/tracker"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	project     string
	configPath  string
	baseDir     string
	extensions  []string
	includeDirs []string
	logLevel    string
	logFormat   string
}

type stageOptions struct {
	outputDir    string
	preservePath bool
	compiler     string
	compilerArgs []string
	mode         string
	format       string
	jobs         int
	stateFile    string
	force        bool
	report       string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{}
	o := &stageOptions{}

	cmd := &cobra.Command{
		Use:   "ptxstage",
		Short: "Compile changed CUDA sources and stage the artifacts",
		Long: `ptxstage enumerates CUDA sources under the base directory, compiles every
source that changed since the last run (including changes to the headers it
includes) and writes the artifacts into the output directory, mirroring the
source layout. Compiler errors are printed as file:line:col: error: message
and make the command exit non-zero.

Settings come from built-in defaults, ptxstage.yaml, .env and PTXSTAGE_*
environment variables, and flags, in increasing order of precedence.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := g.setup(cmd, stderr, func(cfg *config.Config) {
				o.apply(cmd, cfg)
			})
			if err != nil {
				return err
			}
			return runStage(cmd.Context(), cfg, o.force, o.report, log, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("ptxstage {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.project, "project", "C", ".", "project directory; relative paths resolve against it")
	pf.StringVar(&g.configPath, "config", "", "config file (default <project>/"+config.FileName+")")
	pf.StringVar(&g.baseDir, "base-dir", "", "directory containing CUDA sources")
	pf.StringSliceVar(&g.extensions, "ext", nil, "source file extensions (repeatable or comma separated)")
	pf.StringSliceVarP(&g.includeDirs, "include-dir", "I", nil, "include search directory (repeatable)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	f := cmd.Flags()
	f.StringVar(&o.outputDir, "output-dir", "", "directory receiving the artifacts")
	f.BoolVar(&o.preservePath, "preserve-path", true, "mirror the source directory layout in the output directory")
	f.StringVar(&o.compiler, "compiler", "", "compiler executable")
	f.StringArrayVar(&o.compilerArgs, "compiler-arg", nil, "extra compiler argument (repeatable)")
	f.StringVar(&o.mode, "mode", "", "artifact kind: ptx, cubin or fatbin")
	f.StringVar(&o.format, "format", "", "compiler diagnostic format: clang or nvcc")
	f.IntVarP(&o.jobs, "jobs", "j", 0, "number of files compiled at once")
	f.StringVar(&o.stateFile, "state", "", "state file recording what was built")
	f.BoolVar(&o.force, "force", false, "rebuild every source regardless of recorded state")
	f.StringVar(&o.report, "report", "", "write a TOON report of the run to this file (- for stdout)")

	cmd.AddCommand(newKernelsCmd(g, stdout, stderr))
	cmd.AddCommand(newInitCmd(g, stdout, stderr))
	return cmd
}

// setup loads the configuration for the selected project, applies the
// explicitly set flags, resolves paths and validates the result.
func (g *globalOptions) setup(cmd *cobra.Command, stderr io.Writer, extra func(*config.Config)) (config.Config, string, *logrus.Logger, error) {
	projectDir, err := filepath.Abs(g.project)
	if err != nil {
		return config.Config{}, "", nil, fmt.Errorf("resolving project: %w", err)
	}

	cfg, err := config.Load(projectDir, g.configPath, os.Environ())
	if err != nil {
		return cfg, "", nil, err
	}

	changed := cmd.Flags().Changed
	if changed("base-dir") {
		cfg.BaseDir = g.baseDir
	}
	if changed("ext") {
		cfg.Extensions = g.extensions
	}
	if changed("include-dir") {
		cfg.IncludeDirs = g.includeDirs
	}
	if changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	if extra != nil {
		extra(&cfg)
	}

	if err := cfg.Resolve(projectDir); err != nil {
		return cfg, "", nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", nil, err
	}

	log, err := cfg.NewLogger(stderr)
	if err != nil {
		return cfg, "", nil, err
	}
	return cfg, projectDir, log, nil
}

func (o *stageOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("output-dir") {
		cfg.OutputDir = o.outputDir
	}
	if changed("preserve-path") {
		cfg.PreservePath = o.preservePath
	}
	if changed("compiler") {
		cfg.Compiler = o.compiler
	}
	if changed("compiler-arg") {
		cfg.CompilerArgs = o.compilerArgs
	}
	if changed("mode") {
		cfg.Mode = o.mode
	}
	if changed("format") {
		cfg.DiagnosticFormat = o.format
	}
	if changed("jobs") {
		cfg.Jobs = o.jobs
	}
	if changed("state") {
		cfg.StateFile = o.stateFile
	}
}

func runStage(ctx context.Context, cfg config.Config, force bool, reportPath string, log *logrus.Logger, stdout, stderr io.Writer) error {
	mode, err := compiler.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	parser, err := diagnose.Lookup(cfg.DiagnosticFormat)
	if err != nil {
		return err
	}

	resolver, err := graph.NewResolver(cfg.IncludeDirs)
	if err != nil {
		return fmt.Errorf("loading include resolver: %w", err)
	}
	state, err := tracker.OpenState(cfg.StateFile,
		tracker.WithDependencies(resolver.Closure),
		tracker.WithLogger(log),
	)
	if err != nil {
		return err
	}

	var tr tracker.Tracker = state
	if force {
		tr = tracker.Force{Tracker: tr}
	}
	var pub *tracker.Publishing
	if cfg.Publish.Enabled() {
		store, err := publish.NewS3Store(cfg.Publish.S3Config())
		if err != nil {
			return fmt.Errorf("configuring publish store: %w", err)
		}
		pub = tracker.NewPublishing(ctx, tr, store, cfg.OutputDir, cfg.Publish.Prefix, log)
		tr = pub
	}

	s := &stage.Stager{
		Options: stage.Options{
			BaseDir:         cfg.BaseDir,
			Extensions:      cfg.Extensions,
			OutputDir:       cfg.OutputDir,
			PreservePath:    cfg.PreservePath,
			OutputExtension: mode.Extension(),
			Jobs:            cfg.Jobs,
		},
		Compiler: &compiler.NVCC{Path: cfg.Compiler, Mode: mode, Args: cfg.CompilerArgs},
		Tracker:  tr,
		Parser:   parser,
		Logger:   log,
	}

	report, runErr := s.Run(ctx)
	if report == nil {
		return runErr
	}
	if runErr == nil {
		sources := make([]string, len(report.Files))
		for i, f := range report.Files {
			sources[i] = f.Source
		}
		state.Retain(sources)
	}
	if err := state.Save(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	log.WithFields(logrus.Fields{
		"compiled": report.Count(model.Compiled),
		"failed":   report.Count(model.Failed) + report.Count(model.Errored),
		"skipped":  report.Count(model.Skipped),
	}).Info("staging finished")
	if pub != nil {
		entry := log.WithField("published", len(pub.Published()))
		if n := pub.Failures(); n > 0 {
			entry.WithField("failures", n).Warn("some artifacts were not published")
		} else {
			entry.Info("artifacts published")
		}
	}

	if reportPath != "" {
		if err := writeReport(reportPath, report, stdout); err != nil {
			return err
		}
	}

	errCount := 0
	files := make(map[string]struct{})
	for _, d := range state.Messages() {
		if d.Severity != model.Error {
			continue
		}
		errCount++
		files[d.File] = struct{}{}
		_, _ = fmt.Fprintln(stderr, d.String())
	}
	if errCount > 0 {
		return fmt.Errorf("%d error(s) in %d file(s)", errCount, len(files))
	}
	return nil
}

func writeReport(path string, report *model.Report, stdout io.Writer) error {
	out := toon.EncodeReport(report) + "\n"
	if path == "-" {
		_, err := io.WriteString(stdout, out)
		return err
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
