package cli

// This file contains local test execution: running go test -json and
// feeding its event stream to the collector.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/urfave/cli/v2"

	gocmd "github.com/bktestgo/bktest/cli/go"
	"github.com/bktestgo/bktest/model"
)

func (a *App) test(ctx *cli.Context) error {
	userArgs := ctx.Args().Slice()
	args := goTestArgs(userArgs)

	r, err := a.newRun(ctx, model.HistoryTypeTest, packagePatterns(userArgs))
	if err != nil {
		return err
	}

	r.reporter.OnRunStart(ctx.Context)

	exitCode, err := a.executeLocalTest(ctx.Context, r, args)
	if err != nil {
		a.logger.Error().Err(err).Msg("Local test execution failed")
		r.finish(ctx.Context, exitCode)
		return err
	}

	r.finish(ctx.Context, exitCode)
	return exit(exitCode)
}

// executeLocalTest runs go with args, streaming its stdout through the
// run's collector. It returns the exit code of go test; an error means go
// test could not be run at all.
func (a *App) executeLocalTest(ctx context.Context, r *run, args []string) (int, error) {
	a.logger.Debug().
		Str("command", gocmd.String(args...)).
		Msg("Starting local test execution")

	cmd := gocmd.Command(ctx, args...)

	// Capture stderr for history while still displaying it
	var stderrBuf bytes.Buffer
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrBuf)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("failed to attach to go test: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to execute go test: %w", err)
	}

	collector := r.collector()
	consumeErr := collector.Consume(ctx, stdout)
	if consumeErr != nil {
		// drain so go test is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	r.output.Write(stderrBuf.Bytes())

	if consumeErr != nil {
		return 1, consumeErr
	}
	if waitErr != nil {
		// Test failures are expected to return non-zero exit codes
		// Check if it's an ExitError (test failed) vs other errors
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			a.logger.Info().
				Int("exit_code", exitErr.ExitCode()).
				Int("packages", collector.Files()).
				Msg("Tests completed with failures")
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("failed to execute go test: %w", waitErr)
	}

	a.logger.Info().Int("packages", collector.Files()).Msg("Tests completed successfully")
	return 0, nil
}
