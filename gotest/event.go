package gotest

import "time"

// Event is one line of `go test -json` output, as defined by test2json.
type Event struct {
	Time       time.Time // Time the event occurred
	Action     string    // The action taken (start, run, pause, cont, pass, fail, skip, output, ...)
	Package    string    // The package being tested
	ImportPath string    // Set on build-output and build-fail events
	Test       string    // The test name (empty for package events)
	Elapsed    float64   // Elapsed seconds, set on pass, fail and skip
	Output     string    // Output text for output and build-output events
}

// Actions emitted by test2json and go build -json.
const (
	ActionStart       = "start"
	ActionRun         = "run"
	ActionPause       = "pause"
	ActionCont        = "cont"
	ActionPass        = "pass"
	ActionFail        = "fail"
	ActionSkip        = "skip"
	ActionOutput      = "output"
	ActionBench       = "bench"
	ActionBuildOutput = "build-output"
	ActionBuildFail   = "build-fail"
)

func terminal(action string) bool {
	return action == ActionPass || action == ActionFail || action == ActionSkip
}

// status maps a terminal action to the raw status reported to the
// transformer.
func status(action string) string {
	switch action {
	case ActionPass:
		return "passed"
	case ActionFail:
		return "failed"
	case ActionSkip:
		return "skipped"
	}
	return ""
}
