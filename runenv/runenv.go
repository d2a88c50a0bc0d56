package runenv

// runenv.go builds the run environment sent with the handshake.

import (
	"os"

	"github.com/bktestgo/bktest/model"
)

// Environment variables the run environment is read from.
const (
	EnvBuildID     = "BUILDKITE_BUILD_ID"
	EnvBuildNumber = "BUILDKITE_BUILD_NUMBER"
	EnvJobID       = "BUILDKITE_JOB_ID"
	EnvBranch      = "BUILDKITE_BRANCH"
	EnvCommit      = "BUILDKITE_COMMIT"
	EnvMessage     = "BUILDKITE_MESSAGE"
	EnvBuildURL    = "BUILDKITE_BUILD_URL"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv snapshots the Buildkite build environment. Unset variables stay
// nil so they are transmitted as null; nothing is validated here.
func FromEnv(lookup LookupFunc) model.RunEnvironment {
	get := func(key string) *string {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		return &v
	}

	return model.RunEnvironment{
		CI:        model.CIBuildkite,
		Key:       get(EnvBuildID),
		Number:    get(EnvBuildNumber),
		JobID:     get(EnvJobID),
		Branch:    get(EnvBranch),
		CommitSHA: get(EnvCommit),
		Message:   get(EnvMessage),
		URL:       get(EnvBuildURL),
	}
}

// FromProcess snapshots the environment of the current process.
func FromProcess() model.RunEnvironment {
	return FromEnv(os.LookupEnv)
}
