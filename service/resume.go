package service

import (
	"context"
	"log/slog"

	"ViralLaunch-server/models"
)

// ResumeController decides which items of a phase still need dispatch.
// Completed items keep their output; items whose artifact already exists in
// storage are registered as completed without calling the generator.
type ResumeController struct {
	store     *StatusStore
	artifacts ArtifactStore
	logger    *slog.Logger
}

func NewResumeController(store *StatusStore, artifacts ArtifactStore, logger *slog.Logger) *ResumeController {
	return &ResumeController{store: store, artifacts: artifacts, logger: logger.With("component", "resume")}
}

// Remaining returns the current state of the items of candidates that are
// not yet done, in the given order.
func (c *ResumeController) Remaining(ctx context.Context, runID string, candidates []models.Item) ([]models.Item, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var remaining []models.Item
	for _, cand := range candidates {
		it, ok := run.Item(cand.Category, cand.ID)
		if !ok {
			continue
		}
		if it.Status == models.ItemStatusCompleted && it.Output != "" {
			continue
		}
		if c.adopt(ctx, runID, it) {
			continue
		}
		remaining = append(remaining, it)
	}
	if skipped := len(candidates) - len(remaining); skipped > 0 {
		c.logger.InfoContext(ctx, "resume skipping finished items", "run_id", runID, "skipped", skipped, "remaining", len(remaining))
	}
	return remaining, nil
}

// adopt registers an existing artifact as the item's output.
func (c *ResumeController) adopt(ctx context.Context, runID string, it models.Item) bool {
	key := ArtifactKey(runID, it.Category, it.ID)
	exists, err := c.artifacts.Exists(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "artifact check failed, item will be regenerated", "key", key, "error", err)
		return false
	}
	if !exists {
		return false
	}
	ref, err := c.artifacts.URL(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "artifact url failed, item will be regenerated", "key", key, "error", err)
		return false
	}
	claimed := it.Status == models.ItemStatusFailed
	if claimed {
		if _, err := c.store.UpsertItem(ctx, runID, it.Category, it.ID, models.ItemPatch{
			Status: models.ItemStatusProcessing,
			Retry:  true,
			Expect: models.ItemStatusFailed,
		}); err != nil {
			return false
		}
	}
	if _, err := c.store.UpsertItem(ctx, runID, it.Category, it.ID, models.ItemPatch{
		Status:   models.ItemStatusCompleted,
		Output:   ref,
		Progress: models.Progress(100),
	}); err != nil {
		c.logger.WarnContext(ctx, "could not register existing artifact", "key", key, "error", err)
		if claimed {
			c.store.Release(runID, it.Category, it.ID)
		}
		return false
	}
	return true
}
