package cli

// This file contains the list command for displaying previous runs.

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bktestgo/bktest/history"
	"github.com/bktestgo/bktest/model"
)

func (a *App) list(ctx *cli.Context) error {
	filterPath := ctx.String("path")
	limit := ctx.Int("limit")

	// Get history root directory
	root, err := history.GetRoot()
	if err != nil {
		return err
	}

	// Load all history entries, newest first
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Apply path filter if specified
	var filteredEntries []history.Entry
	for _, entry := range historyEntries {
		if filterPath == "" || strings.Contains(entry.History.WorkDir, filterPath) {
			filteredEntries = append(filteredEntries, entry)
		}
	}

	if len(filteredEntries) == 0 {
		if filterPath != "" {
			fmt.Printf("No history entries found matching path: %s\n", filterPath)
		} else {
			fmt.Println("No history entries found")
		}
		return nil
	}

	// Apply limit
	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Printf("\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, entry := range displayRuns {
		fmt.Print(formatEntry(entry))
		fmt.Println()
	}

	fmt.Println("\nView results: bktest view <ID>")

	return nil
}

func formatEntry(entry history.Entry) string {
	var b strings.Builder
	tr := entry.History
	timestamp := tr.Timestamp.Format("2006-01-02 15:04:05")

	// Format duration
	duration := tr.Duration.Round(time.Millisecond)

	// Determine status indicator
	status := "✓"
	if tr.ExitCode != 0 {
		status = "✗"
	}

	// Format args (skip the program name)
	args := ""
	if len(tr.Args) > 1 {
		args = strings.Join(tr.Args[1:], " ")
	}

	fmt.Fprintf(&b, "%s  %s  [%s]  exit=%d  id=%s  %s\n", status, timestamp, duration, tr.ExitCode, shortID(tr.ID), tr.Type)
	if args != "" {
		fmt.Fprintf(&b, "   Args: %s\n", args)
	}
	if tr.WorkDir != "" {
		fmt.Fprintf(&b, "   Path: %s\n", tr.WorkDir)
	}
	if tr.Git != nil && tr.Git.Commit != "" {
		fmt.Fprintf(&b, "   Commit: %s", shortID(tr.Git.Commit))
		if tr.Git.Branch != "" {
			fmt.Fprintf(&b, " (%s)", tr.Git.Branch)
		}
		b.WriteString("\n")
	}
	s := tr.Summary
	fmt.Fprintf(&b, "   Results: %d passed, %d failed, %d pending, %d skipped\n", s.Passed, s.Failed, s.Pending, s.Skipped)
	if tr.Analytics != nil && tr.Analytics.Status != model.AnalyticsDisabled {
		fmt.Fprintf(&b, "   Buildkite: %s via %s", tr.Analytics.Status, tr.Analytics.Transport)
		if tr.Analytics.Error != "" {
			fmt.Fprintf(&b, " (%s)", tr.Analytics.Error)
		}
		b.WriteString("\n")
	}
	for _, artifact := range tr.Artifacts {
		var typeName string
		switch artifact.Type {
		case model.ArtifactTypeResults:
			typeName = "results"
		case model.ArtifactTypeStdout:
			typeName = "output"
		}
		if typeName != "" {
			fmt.Fprintf(&b, "   %s: %s (%.1f KB)\n", typeName, artifact.File, float64(artifact.Size)/1024)
		}
	}
	fmt.Fprintf(&b, "   %s\n", entry.FullPath)
	return b.String()
}

// shortID shows the first 8 characters of an ID or commit.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
