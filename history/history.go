package history

// This file contains the local run history: recording runs under the git
// root and loading them back for listing.

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/model"
)

// DirName is the directory under the repository root that holds history.
const DirName = ".bktest"

const (
	historyFile = "history.json"
	resultsFile = "results.json"
	outputFile  = "output.txt"
)

type Entry struct {
	History  model.History
	FullPath string
}

// RepoRoot returns the top level directory of the enclosing git repository.
func RepoRoot() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetRoot returns the .bktest directory path from the git repository root.
func GetRoot() (string, error) {
	repoRoot, err := RepoRoot()
	if err != nil {
		return "", err
	}
	root := filepath.Join(repoRoot, DirName)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return "", fmt.Errorf("no test runs found in %s", root)
	}

	return root, nil
}

// RunDirName names the directory of one run: <timestamp>-<commit>-<id>,
// with commit and id shortened to 8 characters.
func RunDirName(h *model.History) string {
	commit := ""
	if h.Git != nil {
		commit = short(h.Git.Commit)
	}
	return fmt.Sprintf("%s-%s-%s", h.Timestamp.Format("20060102-150405"), commit, short(h.ID))
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Save records a run under <repoRoot>/.bktest/history. The results and the
// captured test output become artifacts of the run. It returns the run
// directory.
func Save(logger zerolog.Logger, repoRoot string, h *model.History, results []model.NormalizedResult, output []byte) (string, error) {
	if h.Git != nil && h.Git.Repo == "" {
		h.Git.Repo = filepath.Base(repoRoot)
	}

	// WorkDir is stored relative to the repository root
	relPath := "."
	if h.WorkDir != "" {
		if rel, err := filepath.Rel(repoRoot, h.WorkDir); err == nil {
			relPath = rel
		}
	}
	h.WorkDir = relPath

	runDir := filepath.Join(repoRoot, DirName, "history", RunDirName(h))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	if results == nil {
		results = []model.NormalizedResult{}
	}
	resultsJSON, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := writeArtifact(h, runDir, resultsFile, model.ArtifactTypeResults, resultsJSON); err != nil {
		return "", err
	}

	if len(output) > 0 {
		if err := writeArtifact(h, runDir, outputFile, model.ArtifactTypeStdout, output); err != nil {
			return "", err
		}
	}

	historyJSON, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, historyFile), historyJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to write history: %w", err)
	}

	logger.Debug().Str("dir", runDir).Str("id", h.ID).Msg("Recorded run")
	return runDir, nil
}

func writeArtifact(h *model.History, runDir, name string, typ model.ArtifactType, data []byte) error {
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	h.Artifacts = append(h.Artifacts, model.Artifact{
		Type: typ,
		Size: uint64(len(data)),
		File: name,
	})
	return nil
}

// LoadEntries loads all history entries below root, newest first.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			historyPath := filepath.Join(path, historyFile)
			if _, err := os.Stat(historyPath); err == nil {
				history, err := parseHistoryJSON(historyPath)
				if err != nil {
					logger.Warn().Err(err).Str("path", historyPath).Msg("Failed to parse history.json")
					return nil
				}

				entries = append(entries, Entry{
					History:  history,
					FullPath: path,
				})
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk %s directory: %w", DirName, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].History.Timestamp.After(entries[j].History.Timestamp)
	})

	return entries, nil
}

// LoadResults reads the results recorded with a run.
func LoadResults(runDir string) ([]model.NormalizedResult, error) {
	data, err := os.ReadFile(filepath.Join(runDir, resultsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	var results []model.NormalizedResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	return results, nil
}

// parseHistoryJSON parses a history.json file.
func parseHistoryJSON(historyPath string) (model.History, error) {
	data, err := os.ReadFile(historyPath)
	if err != nil {
		return model.History{}, err
	}

	var history model.History
	if err := json.Unmarshal(data, &history); err != nil {
		return model.History{}, err
	}

	return history, nil
}
