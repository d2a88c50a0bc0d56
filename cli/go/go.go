package gocmd

// go.go provides utilities for executing Go commands.

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// ListDirs maps the import path of every package matched by patterns to
// its directory.
func ListDirs(patterns ...string) (map[string]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"."}
	}
	args := append([]string{"list", "-e", "-f", "{{.ImportPath}}\t{{.Dir}}"}, patterns...)
	output, err := run(args...)
	if err != nil {
		return nil, invalidPath(strings.Join(patterns, " "), err)
	}

	dirs := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		importPath, dir, ok := strings.Cut(line, "\t")
		if !ok || dir == "" {
			continue
		}
		dirs[importPath] = dir
	}
	return dirs, nil
}

// Command creates an exec.Cmd for running a Go command.
// The first argument is the Go subcommand (e.g., "build", "test"), followed by its arguments.
func Command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "go", args...)
}

// String renders a go invocation as a shell command line, for logging.
func String(args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "go")
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

type commandError struct {
	stderr string
	err    error
}

func (e *commandError) Error() string {
	return e.err.Error()
}

func run(args ...string) (string, error) {
	cmd := exec.Command("go", args...)

	// Capture stdout and stderr separately
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &commandError{stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func invalidPath(path string, err error) error {
	errMsg := ""
	if ce, ok := err.(*commandError); ok {
		errMsg = ce.stderr
	}

	// Simplify common error messages
	if strings.Contains(errMsg, "no Go files in") {
		return fmt.Errorf("invalid package path %q: directory contains no Go files", path)
	}
	if strings.Contains(errMsg, "is not in std") || strings.Contains(errMsg, "is not in GOROOT") {
		return fmt.Errorf("invalid package path %q: package not found", path)
	}
	if strings.Contains(errMsg, "cannot find package") {
		return fmt.Errorf("invalid package path %q: package not found", path)
	}

	// For other errors, show the first line of the error
	lines := strings.Split(errMsg, "\n")
	if len(lines) > 0 && lines[0] != "" {
		return fmt.Errorf("invalid package path %q: %s", path, lines[0])
	}

	return fmt.Errorf("invalid package path %q: %s", path, err.Error())
}
