package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/phobologic/ptxstage/internal/config"
	"github.com/phobologic/ptxstage/internal/discover"
	"github.com/phobologic/ptxstage/internal/graph"
	"github.com/phobologic/ptxstage/internal/lang"
	"github.com/phobologic/ptxstage/internal/model"
	"github.com/phobologic/ptxstage/internal/parse"
	"github.com/phobologic/ptxstage/internal/ranking"
	"github.com/phobologic/ptxstage/internal/toon"
)

func newKernelsCmd(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var (
		maxFiles int
		function string
	)

	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "Print a ranked map of CUDA sources, kernels and includes",
		Long: `Parse every CUDA source and header under the base directory and print, in
TOON format, the files ranked by how widely they are included, the functions
they define with their execution-space qualifiers, and the include graph.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := g.setup(cmd, stderr, nil)
			if err != nil {
				return err
			}
			return runKernels(cfg, maxFiles, function, log, stdout)
		},
	}
	cmd.Flags().IntVarP(&maxFiles, "max-files", "n", 0, "maximum number of files to include")
	cmd.Flags().StringVarP(&function, "function", "f", "", "only files defining a function whose name contains this")
	return cmd
}

func runKernels(cfg config.Config, maxFiles int, function string, log logrus.FieldLogger, stdout io.Writer) error {
	exts := append([]string(nil), cfg.Extensions...)
	exts = append(exts, lang.CUDA.Extensions...)

	files, err := discover.Files(cfg.BaseDir, exts)
	if err != nil {
		return fmt.Errorf("discovering files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no CUDA sources found in %s", cfg.BaseDir)
	}

	infos, err := parseFilesConcurrent(files, log)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return fmt.Errorf("no files could be parsed")
	}

	resolver, err := graph.NewResolver(cfg.IncludeDirs)
	if err != nil {
		return fmt.Errorf("loading include resolver: %w", err)
	}
	deps := graph.BuildIncludeGraph(cfg.BaseDir, infos, resolver)
	graph.Rank(infos, deps)

	m := &model.SourceMap{
		Root:         filepath.Base(cfg.BaseDir),
		Files:        infos,
		Dependencies: deps,
	}

	if function != "" {
		m = ranking.FilterByFunction(m, function)
		if len(m.Files) == 0 {
			return fmt.Errorf("no function matching %q", function)
		}
	}
	if maxFiles > 0 {
		m = ranking.SelectFiles(m, maxFiles)
	}

	_, _ = fmt.Fprintln(stdout, toon.EncodeMap(m))
	return nil
}

// parseFilesConcurrent parses files on GOMAXPROCS workers, each with its own
// parser, and returns the results in input order. Unreadable files are
// logged and left out.
func parseFilesConcurrent(files []discover.FileEntry, log logrus.FieldLogger) ([]model.SourceInfo, error) {
	query, err := lang.CUDA.GetTagQuery()
	if err != nil {
		return nil, err
	}

	type result struct {
		index int
		info  model.SourceInfo
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	work := make(chan int, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			parser := lang.CUDA.NewParser()
			defer parser.Close()

			for idx := range work {
				f := files[idx]
				source, err := os.ReadFile(f.Abs)
				if err != nil {
					log.WithError(err).WithField("file", f.Path).Warn("failed to read source")
					continue
				}
				results <- result{
					index: idx,
					info:  parse.ExtractSource(parser, query, source, f.Path),
				}
			}
		}()
	}

	for i := range files {
		work <- i
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	indexed := make([]*model.SourceInfo, len(files))
	for r := range results {
		indexed[r.index] = &r.info
	}

	var infos []model.SourceInfo
	for _, info := range indexed {
		if info != nil {
			infos = append(infos, *info)
		}
	}
	return infos, nil
}
