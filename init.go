package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	sentinelStart = "# ptxstage:start"
	sentinelEnd   = "# ptxstage:end"
)

func newInitCmd(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "init [path-to-.gitignore]",
		Short: "Add the ptxstage state file to .gitignore",
		Long: `Write a ptxstage section to a .gitignore file listing the state file. The
section is wrapped in sentinel comments so it can be updated in place on
subsequent runs without touching surrounding entries. Creates the file if it
does not exist.

path-to-.gitignore defaults to <project>/.gitignore.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, projectDir, _, err := g.setup(cmd, stderr, nil)
			if err != nil {
				return err
			}

			section, err := generateSection(projectDir, cfg.StateFile)
			if err != nil {
				return err
			}

			// --dry-run with no path: just print the section itself.
			if dryRun && len(args) == 0 {
				_, _ = fmt.Fprintln(stdout, section)
				return nil
			}

			path := filepath.Join(projectDir, ".gitignore")
			if len(args) > 0 {
				path = args[0]
			}
			return writeSection(path, section, dryRun, stdout, stderr)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

func writeSection(path, section string, dryRun bool, stdout, stderr io.Writer) error {
	existing, _ := os.ReadFile(path)
	updated := applySection(string(existing), section)

	if dryRun {
		_, _ = fmt.Fprint(stdout, updated)
		return nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(stderr, "wrote ptxstage section to %s\n", path)
	return nil
}

// generateSection returns the sentinel-wrapped block ignoring the state file,
// anchored at the project root.
func generateSection(projectDir, stateFile string) (string, error) {
	rel, err := filepath.Rel(projectDir, stateFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("state file %s is outside the project %s", stateFile, projectDir)
	}

	body := "# incremental build state, machine specific\n/" + filepath.ToSlash(rel)
	return sentinelStart + "\n" + body + "\n" + sentinelEnd, nil
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if len(content) == 0 {
		return section + "\n"
	}
	return content + "\n" + section + "\n"
}
