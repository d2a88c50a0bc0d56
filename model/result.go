package model

// Result is the normalized outcome of a test.
type Result string

const (
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultPending Result = "pending"
	ResultSkipped Result = "skipped"
)

// SectionTop is the section name of the top-level span of every result.
const SectionTop = "top"

// NormalizedResult is the per-test record sent to the analytics service.
type NormalizedResult struct {
	// Unique ID of this record
	ID string `json:"id"`
	// Joined ancestor suite titles, or "root" for top-level tests
	Scope string `json:"scope"`
	// Display name of the test
	Name string `json:"name"`
	// Fully qualified name of the test
	Identifier string `json:"identifier"`
	// file:line:column, or just the file when the location is unknown
	Location string `json:"location"`
	Result   Result `json:"result"`
	// Timing of the test, in fractional seconds
	History Span `json:"history"`
	// First line of each failure, newline joined. Only set for failed tests.
	FailureReason *string `json:"failure_reason"`
	// One entry per failure. Empty unless the test failed.
	FailureExpanded []FailureExpanded `json:"failure_expanded"`
}

// Span is a timed section of a test run.
type Span struct {
	Section  string         `json:"section"`
	StartAt  float64        `json:"start_at"`
	EndAt    float64        `json:"end_at"`
	Duration float64        `json:"duration"`
	Detail   map[string]any `json:"detail"`
	Children []Span         `json:"children"`
}

// FailureExpanded holds the remainder of a failure message and its
// stack frames.
type FailureExpanded struct {
	Expanded  []string `json:"expanded"`
	Backtrace []string `json:"backtrace"`
}
