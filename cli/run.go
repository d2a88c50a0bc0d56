package cli

// This file contains the machinery shared by test and report: wiring the
// collector to the reporter, and finishing a run with the summary, metrics
// and history.

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	gocmd "github.com/bktestgo/bktest/cli/go"
	"github.com/bktestgo/bktest/gotest"
	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
	"github.com/bktestgo/bktest/reporter"
	"github.com/bktestgo/bktest/runenv"
	"github.com/bktestgo/bktest/transform"
)

type run struct {
	app *App

	history  *model.History
	start    time.Time
	reporter *reporter.Reporter
	metrics  *metrics.Metrics
	dirs     map[string]string

	// test output as echoed, recorded with the run
	output bytes.Buffer

	metricsTextfile string
	noHistory       bool
}

func (a *App) newRun(ctx *cli.Context, typ model.HistoryType, patterns []string) (*run, error) {
	startTime := time.Now()

	transport, err := reporter.ParseTransport(ctx.String("transport"))
	if err != nil {
		return nil, err
	}
	timing, err := transform.ParseTiming(ctx.String("timing"))
	if err != nil {
		return nil, err
	}
	if timing == transform.TimingCursor {
		a.logger.Warn().Msg("The cursor timing scheme is deprecated, use --timing fixed")
	}

	// Generate random 16-byte ID
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	r := &run{
		app:   a,
		start: startTime,
		history: &model.History{
			ID:        hex.EncodeToString(idBytes),
			Type:      typ,
			Timestamp: startTime,
			Args:      os.Args,
		},
		metrics:         metrics.New(),
		metricsTextfile: ctx.String("metrics-textfile"),
		noHistory:       ctx.Bool("no-history"),
	}

	// Capture working directory
	if cwd, err := os.Getwd(); err == nil {
		r.history.WorkDir = cwd
	}

	env := runenv.FromProcess()
	r.history.Git = a.gitInfo(env)

	r.dirs, err = gocmd.ListDirs(patterns...)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Could not resolve package directories, using import paths")
	}

	r.reporter = reporter.New(a.logger, reporter.Config{
		Token:          ctx.String("api-token"),
		BuildID:        ctx.String("build-id"),
		Endpoint:       ctx.String("endpoint"),
		Env:            env,
		Transport:      transport,
		Timing:         timing,
		WorkDir:        r.history.WorkDir,
		ConnectTimeout: ctx.Duration("connect-timeout"),
	}, r.metrics)

	return r, nil
}

// collector returns a collector that echoes to stdout and hands every
// completed package to the reporter.
func (r *run) collector() *gotest.Collector {
	return gotest.NewCollector(r.app.logger, gotest.Options{
		Dir:  r.dir,
		Echo: io.MultiWriter(os.Stdout, &r.output),
		OnFile: func(file model.FileResult) {
			r.reporter.OnFileResult(file)
		},
	})
}

func (r *run) dir(importPath string) string {
	return r.dirs[importPath]
}

// finish completes the analytics pipeline and records the run. Nothing in
// here changes the exit code.
func (r *run) finish(ctx context.Context, exitCode int) {
	r.reporter.OnRunComplete(ctx)

	printSummary(os.Stdout, r.reporter.Files(), r.reporter.Summary(), time.Since(r.start))

	if r.metricsTextfile != "" {
		if err := r.metrics.WriteTextfile(r.metricsTextfile); err != nil {
			r.app.logger.Warn().Err(err).Msg("Failed to write metrics")
		}
	}

	if r.noHistory {
		return
	}

	analytics := r.reporter.Analytics()
	r.history.Duration = time.Since(r.start)
	r.history.ExitCode = exitCode
	r.history.Summary = r.reporter.Summary()
	r.history.Analytics = &analytics

	// Record the history (non-fatal if it fails)
	if err := r.app.recordHistory(r.history, r.reporter.Results(), r.output.Bytes()); err != nil {
		r.app.logger.Warn().Err(err).Msg("Failed to record history")
	}
}

// exit turns an exit code into the error urfave/cli exits the process with.
func exit(code int) error {
	switch {
	case code == 0:
		return nil
	case code < 0:
		// killed by a signal
		code = 1
	}
	return cli.Exit("", code)
}
