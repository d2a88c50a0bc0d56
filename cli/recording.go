package cli

// This file contains run recording functionality for saving run metadata,
// results and output to the history directory.

import (
	"github.com/bktestgo/bktest/history"
	"github.com/bktestgo/bktest/model"
)

func (a *App) recordHistory(h *model.History, results []model.NormalizedResult, output []byte) error {
	// Get repository root
	repoRoot, err := history.RepoRoot()
	if err != nil {
		return err
	}

	_, err = history.Save(a.logger, repoRoot, h, results, output)
	return err
}
