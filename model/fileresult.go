package model

import "time"

// FileResult is the raw result of one completed test file as reported by
// the host test runner. For go test a "file" is a package.
type FileResult struct {
	// Path of the file (or package directory) the tests live in
	Path string `json:"path"`
	// Start of the file's execution
	Start time.Time `json:"start"`
	// End of the file's execution
	End time.Time `json:"end"`
	// Tests in execution order
	Tests []TestCase `json:"tests"`
}

// TestCase is a single test as reported by the host test runner.
type TestCase struct {
	// Titles of the enclosing suites, outermost first
	AncestorTitles []string `json:"ancestor_titles,omitempty"`
	// Display name of the test
	Title string `json:"title"`
	// Fully qualified name of the test
	FullName string `json:"full_name"`
	// Source location, if known
	Location *Location `json:"location,omitempty"`
	// Raw status (passed, failed, pending, todo, skipped, ...)
	Status string `json:"status"`
	// Reported duration of the test
	Duration time.Duration `json:"duration"`
	// Structured failure details, one per failure
	FailureDetails []FailureDetail `json:"failure_details,omitempty"`
	// Plain failure messages, used when a detail carries no stack
	FailureMessages []string `json:"failure_messages,omitempty"`
}

// Location points at the source of a test.
type Location struct {
	// File the location refers to, relative to the FileResult path.
	// Empty means the FileResult path itself.
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// FailureDetail is one failure of a test.
type FailureDetail struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}
