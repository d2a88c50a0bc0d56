package cli

// This file contains the report command, which reports an existing
// go test -json stream instead of running the tests.

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bktestgo/bktest/model"
)

func (a *App) report(ctx *cli.Context) error {
	var in io.Reader = os.Stdin
	if path := ctx.String("input"); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	patterns := ctx.Args().Slice()
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	r, err := a.newRun(ctx, model.HistoryTypeReport, patterns)
	if err != nil {
		return err
	}

	r.reporter.OnRunStart(ctx.Context)

	collector := r.collector()
	if err := collector.Consume(ctx.Context, in); err != nil {
		r.finish(ctx.Context, 1)
		return err
	}

	exitCode := 0
	if collector.Failed() {
		exitCode = 1
	}
	a.logger.Debug().Int("packages", collector.Files()).Msg("Report complete")

	r.finish(ctx.Context, exitCode)
	return exit(exitCode)
}
