package model

// CIBuildkite is the CI provider tag sent with every run environment.
const CIBuildkite = "buildkite"

// RunEnvironment describes the CI execution the results belong to. It is
// built once at startup and never mutated. Absent values are sent as null.
type RunEnvironment struct {
	CI        string  `json:"CI"`
	Key       *string `json:"key"`
	Number    *string `json:"number"`
	JobID     *string `json:"job_id"`
	Branch    *string `json:"branch"`
	CommitSHA *string `json:"commit_sha"`
	Message   *string `json:"message"`
	URL       *string `json:"url"`
}
