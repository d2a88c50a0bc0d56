package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bktestgo/bktest/model"
)

func TestRunDirName(t *testing.T) {
	h := &model.History{
		ID:        "0123456789abcdef",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Git:       &model.Git{Commit: "deadbeefcafebabe"},
	}
	assert.Equal(t, "20260304-050607-deadbeef-01234567", RunDirName(h))

	h.Git = nil
	h.ID = "abc"
	assert.Equal(t, "20260304-050607--abc", RunDirName(h))
}

func TestSaveAndLoad(t *testing.T) {
	repo := t.TempDir()
	logger := zerolog.Nop()

	older := &model.History{
		ID:        "aaaaaaaaaaaaaaaa",
		Type:      model.HistoryTypeTest,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		WorkDir:   filepath.Join(repo, "pkg", "calc"),
		Git:       &model.Git{Commit: "1111111111", Branch: "main"},
	}
	reason := "boom"
	results := []model.NormalizedResult{
		{ID: "r1", Name: "TestA", Result: model.ResultPassed},
		{ID: "r2", Name: "TestB", Result: model.ResultFailed, FailureReason: &reason},
	}
	dir, err := Save(logger, repo, older, results, []byte("=== RUN TestA\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(repo, DirName, "history", "20260101-000000-11111111-aaaaaaaa"), dir)
	assert.Equal(t, filepath.Join("pkg", "calc"), older.WorkDir)
	assert.Equal(t, filepath.Base(repo), older.Git.Repo)
	require.Len(t, older.Artifacts, 2)
	assert.Equal(t, model.ArtifactTypeResults, older.Artifacts[0].Type)
	assert.Equal(t, "results.json", older.Artifacts[0].File)
	assert.Equal(t, model.Artifact{Type: model.ArtifactTypeStdout, Size: 14, File: "output.txt"}, older.Artifacts[1])

	output, err := os.ReadFile(filepath.Join(dir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "=== RUN TestA\n", string(output))

	newer := &model.History{
		ID:        "bbbbbbbbbbbbbbbb",
		Type:      model.HistoryTypeReport,
		Timestamp: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	newerDir, err := Save(logger, repo, newer, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ".", newer.WorkDir)
	require.Len(t, newer.Artifacts, 1)

	// a broken entry is skipped, not fatal
	broken := filepath.Join(repo, DirName, "history", "broken")
	require.NoError(t, os.MkdirAll(broken, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "history.json"), []byte("{"), 0644))

	entries, err := LoadEntries(logger, filepath.Join(repo, DirName))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bbbbbbbbbbbbbbbb", entries[0].History.ID)
	assert.Equal(t, newerDir, entries[0].FullPath)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", entries[1].History.ID)
	assert.Equal(t, "main", entries[1].History.Git.Branch)

	loaded, err := LoadResults(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "boom", *loaded[1].FailureReason)

	empty, err := LoadResults(newerDir)
	require.NoError(t, err)
	assert.Empty(t, empty)

	raw, err := os.ReadFile(filepath.Join(newerDir, "results.json"))
	require.NoError(t, err)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &arr))
	assert.NotNil(t, arr)
}
