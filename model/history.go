package model

import "time"

// HistoryType represents the type of history entry
type HistoryType string

const (
	// HistoryTypeTest is a run where bktest invoked go test itself
	HistoryTypeTest HistoryType = "test"
	// HistoryTypeReport is a run that consumed an existing go test -json stream
	HistoryTypeReport HistoryType = "report"
)

// History represents a single bktest execution.
type History struct {
	// Unique ID for this execution (16 random bytes, hex encoded)
	ID string `json:"id"`
	// Type of execution (test or report)
	Type HistoryType `json:"type"`
	// Timestamp when the execution started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where command was run (relative to repo root)
	WorkDir string `json:"workdir"`
	// Exit code of the execution
	ExitCode int `json:"exit_code"`
	// Duration of execution
	Duration time.Duration `json:"duration"`
	// Git information
	Git *Git `json:"git,omitempty"`
	// Outcome of the analytics upload
	Analytics *Analytics `json:"analytics,omitempty"`
	// Result counts
	Summary Summary `json:"summary"`
	// Artifacts generated during this run
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
	// Repository name
	Repo string `json:"repo,omitempty"`
}

// AnalyticsStatus is the final state of the analytics pipeline for a run.
type AnalyticsStatus string

const (
	AnalyticsDisabled AnalyticsStatus = "disabled"
	AnalyticsSent     AnalyticsStatus = "sent"
	AnalyticsFailed   AnalyticsStatus = "failed"
)

// Analytics records how results were delivered to Buildkite
type Analytics struct {
	// Transport used (websocket or json)
	Transport string `json:"transport,omitempty"`
	// Final status
	Status AnalyticsStatus `json:"status"`
	// Error that disabled the pipeline, if any
	Error string `json:"error,omitempty"`
}

// Summary counts normalized results by outcome
type Summary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
}

// Total returns the number of results counted.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Pending + s.Skipped
}

// Add counts one result.
func (s *Summary) Add(r Result) {
	switch r {
	case ResultPassed:
		s.Passed++
	case ResultFailed:
		s.Failed++
	case ResultPending:
		s.Pending++
	default:
		s.Skipped++
	}
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypeResults ArtifactType = iota
	ArtifactTypeStdout
)

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}
