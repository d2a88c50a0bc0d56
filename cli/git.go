package cli

// This file resolves the git state recorded with each run.

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/bktestgo/bktest/model"
)

func gitOutput(args ...string) (string, error) {
	output, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to run git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(output)), nil
}

// gitInfo returns the commit and branch of the run. Buildkite agents check
// out a detached HEAD, so the values from the run environment win over git.
func (a *App) gitInfo(env model.RunEnvironment) *model.Git {
	g := &model.Git{}
	if commit, err := gitOutput("rev-parse", "HEAD"); err == nil {
		g.Commit = commit
	} else {
		a.logger.Debug().Err(err).Msg("No git commit")
	}
	if branch, err := gitOutput("rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		g.Branch = branch
	}

	if env.CommitSHA != nil && *env.CommitSHA != "" {
		g.Commit = *env.CommitSHA
	}
	if env.Branch != nil && *env.Branch != "" {
		g.Branch = *env.Branch
	}

	if g.Commit == "" && g.Branch == "" {
		return nil
	}
	return g
}
