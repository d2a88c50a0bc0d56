package gotest

// collector.go folds a `go test -json` event stream into one FileResult per
// completed package.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/model"
)

var (
	// file.go:12: message, as printed by t.Error and friends
	logLocation = regexp.MustCompile(`^\s*([\w.\-/]+\.go):(\d+):`)
	// the first line of a goroutine dump after a panic
	goroutineHeader = regexp.MustCompile(`^goroutine \d+ \[[^\]]+\]:$`)
	// trailing pc offset on a stack frame location
	frameOffset = regexp.MustCompile(`\s+\+0x[0-9a-f]+$`)
)

// framing lines printed by the test runner itself
var framingPrefixes = []string{
	"=== RUN", "=== PAUSE", "=== CONT", "=== NAME",
	"--- PASS", "--- FAIL", "--- SKIP",
}

// Options configure a Collector.
type Options struct {
	// Dir maps an import path to the package directory. When nil or when it
	// returns "", the import path itself is used as the file path.
	Dir func(importPath string) string
	// Echo receives the human readable test output. Nil discards it.
	Echo io.Writer
	// OnFile is called once for every completed package, in completion order.
	OnFile func(model.FileResult)
}

type packageState struct {
	start    time.Time
	last     time.Time
	tests    []*testState
	byName   map[string]*testState
	failed   bool
	complete bool
}

type testState struct {
	name    string
	status  string
	elapsed time.Duration
	output  []string
}

// Collector consumes test events. It is not safe for concurrent use.
type Collector struct {
	logger zerolog.Logger
	opts   Options

	packages map[string]*packageState
	order    []string
	failed   bool
	files    int
}

func NewCollector(logger zerolog.Logger, opts Options) *Collector {
	if opts.Echo == nil {
		opts.Echo = io.Discard
	}
	return &Collector{
		logger:   logger,
		opts:     opts,
		packages: make(map[string]*packageState),
	}
}

// Failed reports whether any package or build failed.
func (c *Collector) Failed() bool {
	return c.failed
}

// Files returns the number of packages reported so far.
func (c *Collector) Files() int {
	return c.files
}

// Consume reads events from r until EOF, then flushes packages that never
// completed. Lines that are not JSON events are echoed unchanged.
func (c *Collector) Consume(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if errors.Is(err, io.EOF) {
			c.Flush()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read test events: %w", err)
		}
	}
}

func (c *Collector) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] != '{' {
		c.echo(string(line))
		return
	}

	var event Event
	if err := json.Unmarshal(trimmed, &event); err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring malformed test event")
		c.echo(string(line))
		return
	}
	c.Handle(event)
}

// Handle applies one event.
func (c *Collector) Handle(e Event) {
	switch e.Action {
	case ActionBuildOutput:
		c.echo(e.Output)
		return
	case ActionBuildFail:
		c.failed = true
		c.logger.Debug().Str("package", e.ImportPath).Msg("Build failed")
		return
	}
	if e.Package == "" {
		c.echo(e.Output)
		return
	}

	pkg := c.pkg(e.Package, e.Time)
	if !e.Time.IsZero() {
		pkg.last = e.Time
	}

	if e.Action == ActionOutput {
		c.echo(e.Output)
	}

	if e.Test == "" {
		if terminal(e.Action) {
			pkg.failed = e.Action == ActionFail
			c.complete(e.Package, pkg, e.Time)
		}
		return
	}

	test := pkg.test(e.Test)
	switch {
	case e.Action == ActionOutput:
		if !framing(e.Output) {
			test.output = append(test.output, strings.TrimRight(e.Output, "\n"))
		}
	case terminal(e.Action):
		test.status = status(e.Action)
		test.elapsed = time.Duration(e.Elapsed * float64(time.Second))
	}
}

// Flush reports every package that started but never completed, e.g. when
// the stream was cut short. Tests still running are reported as failed.
func (c *Collector) Flush() {
	for _, name := range c.order {
		pkg := c.packages[name]
		if pkg.complete {
			continue
		}
		c.logger.Warn().Str("package", name).Msg("Test stream ended before the package completed")
		for _, t := range pkg.tests {
			if t.status == "" {
				t.status = "failed"
				t.output = append(t.output, "test did not complete")
			}
		}
		pkg.failed = true
		c.complete(name, pkg, pkg.last)
	}
}

func (c *Collector) pkg(name string, at time.Time) *packageState {
	pkg, ok := c.packages[name]
	if !ok {
		pkg = &packageState{start: at, last: at, byName: make(map[string]*testState)}
		c.packages[name] = pkg
		c.order = append(c.order, name)
	}
	return pkg
}

func (p *packageState) test(name string) *testState {
	t, ok := p.byName[name]
	if !ok {
		t = &testState{name: name}
		p.byName[name] = t
		p.tests = append(p.tests, t)
	}
	return t
}

func (c *Collector) complete(name string, pkg *packageState, end time.Time) {
	if pkg.complete {
		return
	}
	pkg.complete = true
	if pkg.failed {
		c.failed = true
	}

	path := name
	if c.opts.Dir != nil {
		if dir := c.opts.Dir(name); dir != "" {
			path = dir
		}
	}

	file := model.FileResult{
		Path:  path,
		Start: pkg.start,
		End:   end,
		Tests: make([]model.TestCase, 0, len(pkg.tests)),
	}
	anyFailed := false
	for _, t := range pkg.tests {
		tc := testCase(name, t)
		if tc.Status == "failed" {
			anyFailed = true
		}
		file.Tests = append(file.Tests, tc)
	}
	if pkg.failed && !anyFailed {
		c.logger.Warn().Str("package", name).Msg("Package failed outside of any test")
	}

	c.files++
	c.logger.Debug().
		Str("package", name).
		Int("tests", len(file.Tests)).
		Msg("Package completed")

	if c.opts.OnFile != nil {
		c.opts.OnFile(file)
	}
}

func testCase(pkg string, t *testState) model.TestCase {
	segments := strings.Split(t.name, "/")
	tc := model.TestCase{
		AncestorTitles: segments[:len(segments)-1],
		Title:          segments[len(segments)-1],
		FullName:       pkg + "." + t.name,
		Status:         t.status,
		Duration:       t.elapsed,
	}
	if tc.Status == "" {
		// never reached a terminal event inside a completed package
		tc.Status = "skipped"
	}

	lines := dedent(t.output)
	tc.Location = location(lines)
	if tc.Status == "failed" {
		tc.FailureDetails = []model.FailureDetail{failureDetail(lines)}
	}
	return tc
}

func framing(output string) bool {
	line := strings.TrimSpace(output)
	for _, prefix := range framingPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func dedent(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, strings.TrimLeft(l, " "))
	}
	return out
}

// location returns the first file:line logged by the test.
func location(lines []string) *model.Location {
	for _, l := range lines {
		m := logLocation.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return &model.Location{File: m[1], Line: line}
	}
	return nil
}

// failureDetail splits a failed test's output into the message and, after a
// panic, a stack rewritten to one "at function (file:line)" frame per line.
func failureDetail(lines []string) model.FailureDetail {
	for i, l := range lines {
		if goroutineHeader.MatchString(strings.TrimSpace(l)) {
			return model.FailureDetail{
				Message: strings.TrimSpace(strings.Join(lines[:i], "\n")),
				Stack:   goStack(lines[i:]),
			}
		}
	}
	return model.FailureDetail{Message: strings.TrimSpace(strings.Join(lines, "\n"))}
}

func goStack(lines []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(lines[0]))

	var fn string
	for _, l := range lines[1:] {
		switch {
		case strings.HasPrefix(l, "\t"):
			if fn == "" {
				continue
			}
			loc := frameOffset.ReplaceAllString(strings.TrimSpace(l), "")
			fmt.Fprintf(&b, "\n    at %s (%s)", fn, loc)
			fn = ""
		case strings.TrimSpace(l) == "":
			fn = ""
		default:
			fn = strings.TrimSpace(l)
		}
	}
	return b.String()
}

func (c *Collector) echo(s string) {
	if s == "" {
		return
	}
	if _, err := io.WriteString(c.opts.Echo, s); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to echo test output")
	}
}
