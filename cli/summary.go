package cli

// This file contains the per-package summary table printed at the end of a
// run.

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/bktestgo/bktest/model"
	"github.com/bktestgo/bktest/reporter"
)

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

func summaryStatus(s model.Summary) string {
	switch {
	case s.Failed > 0:
		return "FAIL"
	case s.Passed > 0:
		return "PASS"
	case s.Total() > 0:
		return "SKIP"
	}
	return "-"
}

// printSummary renders one row per package with tests and a total footer.
// Packages without tests are left out.
func printSummary(w io.Writer, files []reporter.FileSummary, total model.Summary, duration time.Duration) {
	if total.Total() == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Results (%s)", formatDuration(duration)))

	t.AppendHeader(table.Row{
		"Package", "Duration", "Tests", "Passed", "Failed", "Pending", "Skipped", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Package", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Pending", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
	})

	for _, f := range files {
		if f.Summary.Total() == 0 {
			continue
		}
		t.AppendRow(table.Row{
			f.Path,
			formatDuration(f.Duration),
			f.Summary.Total(),
			f.Summary.Passed,
			f.Summary.Failed,
			f.Summary.Pending,
			f.Summary.Skipped,
			summaryStatus(f.Summary),
		})
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		formatDuration(duration),
		total.Total(),
		total.Passed,
		total.Failed,
		total.Pending,
		total.Skipped,
		summaryStatus(total),
	})

	switch summaryStatus(total) {
	case "PASS":
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case "FAIL":
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}

	t.Render()
}
