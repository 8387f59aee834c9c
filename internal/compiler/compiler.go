// Package compiler runs the external CUDA compiler.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Result is the outcome of a compiler process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Compiler turns one source file into one output artifact. A non-nil error
// means the process could not be started or waited for; a compiler that ran
// and failed reports that through Result.ExitCode.
type Compiler interface {
	Compile(ctx context.Context, input, output string) (*Result, error)
}

// Mode is the kind of artifact nvcc produces. It doubles as the command-line
// flag and the output file extension.
type Mode string

const (
	PTX    Mode = "ptx"
	Cubin  Mode = "cubin"
	Fatbin Mode = "fatbin"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case PTX, Cubin, Fatbin:
		return m, nil
	case "":
		return PTX, nil
	default:
		return "", fmt.Errorf("unknown compiler mode %q (want ptx, cubin or fatbin)", s)
	}
}

// Extension returns the artifact file extension for the mode, with the dot.
func (m Mode) Extension() string {
	if m == "" {
		return "." + string(PTX)
	}
	return "." + string(m)
}

// NVCC invokes nvcc (or a compatible driver) as
//
//	<Path> -<Mode> [Args...] <input> -o <output>
type NVCC struct {
	Path string // defaults to "nvcc"
	Mode Mode   // defaults to PTX
	Args []string
}

// CommandLine returns the argv used to compile input into output.
func (c *NVCC) CommandLine(input, output string) []string {
	path := c.Path
	if path == "" {
		path = "nvcc"
	}
	mode := c.Mode
	if mode == "" {
		mode = PTX
	}
	argv := []string{path, "-" + string(mode)}
	argv = append(argv, c.Args...)
	return append(argv, input, "-o", output)
}

// Compile runs the compiler and waits for it to exit.
func (c *NVCC) Compile(ctx context.Context, input, output string) (*Result, error) {
	argv := c.CommandLine(input, output)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitCode(exitErr)
		return res, nil
	}
	return nil, fmt.Errorf("running %s: %w", argv[0], err)
}

// exitCode reports a process killed by a signal the way a shell does, as
// 128 plus the signal number.
func exitCode(err *exec.ExitError) int {
	if code := err.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 1
}
