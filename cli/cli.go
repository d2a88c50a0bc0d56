package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/bktestgo/bktest/buildkite"
)

const AppName = "bktest"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run Go tests and stream the results to Buildkite Test Analytics",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "test",
		Usage:     "Run go test -json and report each package as it completes",
		ArgsUsage: "[go test flags] [packages] [-args test binary flags]",
		Action:    app.test,
		Flags:     runFlags(),
		Description: `Runs go test with -json and the given arguments. Test output is echoed
as it arrives, the results of every package are sent to Buildkite when the
package completes, and bktest exits with the exit code of go test.

Examples:
  bktest test ./...
  bktest test -- -race -run TestAPI ./api/...`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "report",
		Usage:     "Report an existing go test -json stream",
		ArgsUsage: "[packages]",
		Action:    app.report,
		Flags: append(runFlags(),
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "File holding go test -json output (default: stdin)",
			},
		),
		Description: `Reads go test -json output and reports it like bktest test does. The
exit code is 1 when any package failed.

Examples:
  go test -json ./... | bktest report
  bktest report --input test-output.json`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous runs",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "Filter by relative path (e.g., internal/api)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View the results of a previous run",
		ArgsUsage:       "[ID|INDEX] [--output]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View the results of a previous run.

Arguments:
  0           View last run (default)
  -1          View 2nd last run
  -2          View 3rd last run
  <hex-id>    View run matching the hex ID prefix
  --output    Also print the recorded test output

Examples:
  bktest view           # View last run
  bktest view -1        # View 2nd last run
  bktest view abc123    # View run with ID starting with abc123`,
	})
	return app
}

// runFlags are shared by the commands that report results.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "Test Analytics suite API token; without it results are not sent",
			EnvVars: []string{"BUILDKITE_ANALYTICS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "build-id",
			Usage:   "Build identifier; without it results are not sent",
			EnvVars: []string{"BUILDKITE_BUILD_ID"},
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "Test Analytics upload endpoint",
			Value:   buildkite.DefaultEndpoint,
			EnvVars: []string{"BUILDKITE_ANALYTICS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "How results are sent: websocket (per package) or json (one upload at the end)",
			Value: "websocket",
		},
		&cli.StringFlag{
			Name:  "timing",
			Usage: "Timing scheme for results: fixed or cursor (deprecated)",
			Value: "fixed",
		},
		&cli.DurationFlag{
			Name:  "connect-timeout",
			Usage: "Maximum time to establish the Buildkite connection",
			Value: 30 * time.Second,
		},
		&cli.StringFlag{
			Name:  "metrics-textfile",
			Usage: "Write prometheus metrics of the run to this file",
		},
		&cli.BoolFlag{
			Name:  "no-history",
			Usage: "Do not record the run under .bktest/history",
		},
	}
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
