package transform

// transform.go converts raw per-file test results into the records sent to
// Buildkite Test Analytics.

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/google/uuid"

	"github.com/bktestgo/bktest/model"
)

// Timing selects how start_at and end_at are assigned to the tests of a file.
type Timing int

const (
	// TimingFixedWindow gives every test the file's start and end.
	TimingFixedWindow Timing = iota
	// TimingCursor lays the tests out back to back from the file's start,
	// each starting where the previous one ended.
	//
	// Deprecated: the timeline it produces is wrong whenever a file's tests
	// run in parallel or with gaps. Use TimingFixedWindow.
	TimingCursor
)

// ParseTiming maps a flag value to a Timing.
func ParseTiming(s string) (Timing, error) {
	switch s {
	case "", "fixed":
		return TimingFixedWindow, nil
	case "cursor":
		return TimingCursor, nil
	}
	return 0, fmt.Errorf("unknown timing scheme %q (expected fixed or cursor)", s)
}

const (
	scopeRoot    = "root"
	unknownError = "Unknown error"
	framePrefix  = "  at "
)

var frameSeparator = regexp.MustCompile(`\n\s*at\s+`)

// Options control Normalize.
type Options struct {
	// WorkDir is the directory locations are rendered relative to.
	WorkDir string
	Timing  Timing
	// NewID generates record IDs. Defaults to random UUIDs.
	NewID func() string
}

// Normalize converts one file's results into normalized records, in test
// order. It performs no I/O.
func Normalize(file model.FileResult, opts Options) []model.NormalizedResult {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	fileStart := seconds(file.Start)
	fileEnd := seconds(file.End)
	cursor := fileStart

	results := make([]model.NormalizedResult, 0, len(file.Tests))
	for _, test := range file.Tests {
		duration := test.Duration.Seconds()

		span := model.Span{
			Section:  model.SectionTop,
			StartAt:  fileStart,
			EndAt:    fileEnd,
			Duration: duration,
			Detail:   map[string]any{},
			Children: []model.Span{},
		}
		if opts.Timing == TimingCursor {
			span.StartAt = cursor
			span.EndAt = cursor + duration
			cursor = span.EndAt
		}

		r := model.NormalizedResult{
			ID:              newID(),
			Scope:           scope(test.AncestorTitles),
			Name:            test.Title,
			Identifier:      test.FullName,
			Location:        location(opts.WorkDir, file.Path, test.Location),
			Result:          status(test.Status),
			History:         span,
			FailureExpanded: []model.FailureExpanded{},
		}
		if r.Result == model.ResultFailed {
			reason, expanded := failures(test)
			r.FailureReason = &reason
			r.FailureExpanded = expanded
		}
		results = append(results, r)
	}
	return results
}

func seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func scope(ancestors []string) string {
	s := strings.Join(ancestors, " ")
	if s == "" {
		return scopeRoot
	}
	return s
}

func status(raw string) model.Result {
	switch model.Result(raw) {
	case model.ResultPassed, model.ResultFailed, model.ResultPending:
		return model.Result(raw)
	}
	return model.ResultSkipped
}

func location(workDir, path string, loc *model.Location) string {
	if loc != nil && loc.File != "" {
		path = filepath.Join(path, loc.File)
	}
	rendered := relative(workDir, path)
	if loc == nil {
		return rendered
	}
	if loc.Column == 0 {
		return fmt.Sprintf("%s:%d", rendered, loc.Line)
	}
	return fmt.Sprintf("%s:%d:%d", rendered, loc.Line, loc.Column)
}

func relative(workDir, path string) string {
	if path == "" {
		return ""
	}
	rel := path
	if workDir != "" && filepath.IsAbs(path) {
		if r, err := filepath.Rel(workDir, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if rel == "." {
		return "."
	}
	return "./" + rel
}

func failures(test model.TestCase) (string, []model.FailureExpanded) {
	n := max(len(test.FailureDetails), len(test.FailureMessages), 1)

	reasons := make([]string, 0, n)
	expanded := make([]model.FailureExpanded, 0, n)
	for i := 0; i < n; i++ {
		var detail model.FailureDetail
		if i < len(test.FailureDetails) {
			detail = test.FailureDetails[i]
		}
		var fallback string
		if i < len(test.FailureMessages) {
			fallback = test.FailureMessages[i]
		}
		reason, exp := parseFailure(detail, fallback)
		reasons = append(reasons, reason)
		expanded = append(expanded, exp)
	}
	return strings.Join(reasons, "\n"), expanded
}

// parseFailure splits one failure into its reason line, the remaining
// message lines and the stack frames.
func parseFailure(detail model.FailureDetail, fallbackStack string) (string, model.FailureExpanded) {
	message := clean(detail.Message)
	stack := clean(detail.Stack)
	if stack == "" {
		stack = clean(fallbackStack)
	}
	if stack == "" {
		stack = unknownError
	}

	parts := frameSeparator.Split(stack, -1)
	pre := parts[0]
	backtrace := make([]string, 0, len(parts)-1)
	for _, frame := range parts[1:] {
		backtrace = append(backtrace, framePrefix+frame)
	}

	text := message
	if text == "" {
		text = pre
	}
	lines := strings.Split(text, "\n")

	return lines[0], model.FailureExpanded{
		Expanded:  lines[1:],
		Backtrace: backtrace,
	}
}

func clean(s string) string {
	return strings.TrimSpace(stripansi.Strip(s))
}
