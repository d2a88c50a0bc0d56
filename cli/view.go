package cli

// This file contains the view command for displaying run results from history.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/bktestgo/bktest/history"
	"github.com/bktestgo/bktest/model"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

// parseViewArgs extracts the ID/index and the --output switch. Flag parsing
// is done here because negative indexes look like flags.
func parseViewArgs(in []string) (idArg string, showOutput bool, err error) {
	idArg = "0"
	seenID := false
	for _, arg := range removeFirstDashDash(in) {
		switch {
		case arg == "--output" || arg == "-o":
			showOutput = true
		case len(arg) > 1 && arg[0] == '-':
			// A negative index is: "-" followed by only digits (e.g., "-1", "-2")
			if _, perr := strconv.ParseInt(arg, 10, 64); perr != nil {
				return "", false, fmt.Errorf("unknown flag: %s", arg)
			}
			fallthrough
		default:
			if seenID {
				return "", false, fmt.Errorf("unexpected argument: %s", arg)
			}
			idArg = arg
			seenID = true
		}
	}
	return idArg, showOutput, nil
}

// findEntry resolves an index (0, -1, ...) or hex ID prefix against entries
// sorted newest first.
func findEntry(entries []history.Entry, arg string) (*history.Entry, error) {
	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			// Positive integers are not allowed
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
		}
		index := int(-parsed)
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return &entries[index], nil
	}

	hexID := strings.ToLower(arg)
	for i := range entries {
		if strings.HasPrefix(strings.ToLower(entries[i].History.ID), hexID) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no history entry found matching ID: %s", arg)
}

func (a *App) view(ctx *cli.Context) error {
	arg, showOutput, err := parseViewArgs(ctx.Args().Slice())
	if err != nil {
		return err
	}

	root, err := history.GetRoot()
	if err != nil {
		return err
	}

	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(historyEntries) == 0 {
		return fmt.Errorf("no history entries found")
	}

	entry, err := findEntry(historyEntries, arg)
	if err != nil {
		return err
	}

	return a.displayHistoryEntry(os.Stdout, entry, showOutput)
}

func (a *App) displayHistoryEntry(w io.Writer, entry *history.Entry, showOutput bool) error {
	h := entry.History

	fmt.Fprintf(w, "=== Run: %s (%s) ===\n", shortID(h.ID), h.Type)
	fmt.Fprintf(w, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", h.Duration)
	fmt.Fprintf(w, "Exit Code: %d\n", h.ExitCode)
	if h.WorkDir != "" {
		fmt.Fprintf(w, "Working Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Fprintf(w, "Git Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Fprintf(w, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(w)
	}
	if h.Analytics != nil {
		fmt.Fprintf(w, "Buildkite: %s", h.Analytics.Status)
		if h.Analytics.Transport != "" {
			fmt.Fprintf(w, " via %s", h.Analytics.Transport)
		}
		if h.Analytics.Error != "" {
			fmt.Fprintf(w, " (%s)", h.Analytics.Error)
		}
		fmt.Fprintln(w)
	}
	s := h.Summary
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d pending, %d skipped\n", s.Passed, s.Failed, s.Pending, s.Skipped)
	fmt.Fprintln(w)

	var resultsArtifact, outputArtifact *model.Artifact
	for i := range h.Artifacts {
		artifact := &h.Artifacts[i]
		switch artifact.Type {
		case model.ArtifactTypeResults:
			resultsArtifact = artifact
		case model.ArtifactTypeStdout:
			outputArtifact = artifact
		}
	}

	if resultsArtifact != nil {
		results, err := history.LoadResults(entry.FullPath)
		if err != nil {
			return err
		}
		printFailures(w, results)
	}

	if showOutput {
		if outputArtifact == nil {
			fmt.Fprintln(w, "No test output recorded")
			return nil
		}
		return displayOutput(w, entry.FullPath, outputArtifact)
	}

	fmt.Fprintf(w, "History directory: %s\n", entry.FullPath)
	return nil
}

// printFailures renders the failed results of a run.
func printFailures(w io.Writer, results []model.NormalizedResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Scope", "Name", "Location", "Reason"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Scope", AutoMerge: true},
		{Name: "Reason", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	failed := 0
	for _, r := range results {
		if r.Result != model.ResultFailed {
			continue
		}
		reason := ""
		if r.FailureReason != nil {
			reason = *r.FailureReason
		}
		t.AppendRow(table.Row{r.Scope, r.Name, r.Location, reason})
		failed++
	}

	if failed == 0 {
		fmt.Fprintln(w, "No failed tests")
		return
	}
	t.SetTitle(fmt.Sprintf("Failed tests (%d)", failed))
	t.SetStyle(table.StyleLight)
	t.Render()
}

func displayOutput(w io.Writer, runDir string, artifact *model.Artifact) error {
	outputPath := filepath.Join(runDir, artifact.File)
	fmt.Fprintf(w, "Test Output: %s\n", outputPath)
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("failed to read output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
