package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ViralLaunch-server/models"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 3

// ProgressFunc reports intermediate progress of an item in percent.
type ProgressFunc func(pct int)

// DispatchFunc generates the output of one item and returns its reference.
type DispatchFunc func(ctx context.Context, item models.Item, report ProgressFunc) (string, error)

// Batch is one fan-out of items of a run.
type Batch struct {
	RunID    string
	Items    []models.Item
	Limit    int
	Timeout  time.Duration
	Dispatch DispatchFunc
	// Ready blocks until the item's dependency is usable. An error fails
	// the item without dispatching it.
	Ready func(ctx context.Context, item models.Item) error
	// Retry lets failed items re-enter processing.
	Retry bool
}

// Summary counts the outcome of a batch.
type Summary struct {
	Dispatched int
	Completed  int
	Failed     int
	Discarded  int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeDiscarded
	outcomeSkipped
)

// Executor runs the items of a batch on a bounded pool. Item failures are
// recorded on the item and never abort the batch.
type Executor struct {
	store  *StatusStore
	logger *slog.Logger
}

func NewExecutor(store *StatusStore, logger *slog.Logger) *Executor {
	return &Executor{store: store, logger: logger.With("component", "executor")}
}

// Execute returns once every item of the batch is terminal or discarded.
func (e *Executor) Execute(ctx context.Context, b Batch) Summary {
	limit := b.Limit
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]outcome, len(b.Items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, it := range b.Items {
		g.Go(func() error {
			results[i] = e.runItem(ctx, b, it)
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for _, r := range results {
		switch r {
		case outcomeCompleted:
			sum.Dispatched++
			sum.Completed++
		case outcomeFailed:
			sum.Dispatched++
			sum.Failed++
		case outcomeDiscarded:
			sum.Dispatched++
			sum.Discarded++
		}
	}
	return sum
}

func (e *Executor) runItem(ctx context.Context, b Batch, it models.Item) (res outcome) {
	log := e.logger.With("run_id", b.RunID, "category", it.Category, "item_id", it.ID)
	if ctx.Err() != nil {
		return outcomeSkipped
	}

	if b.Ready != nil {
		if err := b.Ready(ctx, it); err != nil {
			if ctx.Err() != nil {
				return outcomeSkipped
			}
			log.Warn("dependency not usable, item failed", "error", err)
			if e.fail(ctx, b.RunID, it, it.Status, err) {
				return outcomeFailed
			}
			return outcomeDiscarded
		}
	}

	// The move to processing is a compare-and-set against the status the
	// batch was built from; a second dispatcher of the same item loses.
	retry := b.Retry && it.Status == models.ItemStatusFailed
	if _, err := e.store.UpsertItem(ctx, b.RunID, it.Category, it.ID, models.ItemPatch{
		Status:   models.ItemStatusProcessing,
		Progress: models.Progress(10),
		Retry:    retry,
		Expect:   it.Status,
	}); err != nil {
		log.Warn("could not mark item processing", "error", err)
		return outcomeSkipped
	}
	defer e.store.Release(b.RunID, it.Category, it.ID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("item dispatch panicked", "panic", p)
			if e.fail(ctx, b.RunID, it, models.ItemStatusProcessing, fmt.Errorf("panic: %v", p)) {
				res = outcomeFailed
			} else {
				res = outcomeDiscarded
			}
		}
	}()

	itemCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	report := func(pct int) {
		if _, err := e.store.UpsertItem(ctx, b.RunID, it.Category, it.ID, models.ItemPatch{Progress: models.Progress(pct)}); err != nil {
			log.Debug("progress update dropped", "error", err)
		}
	}

	start := time.Now()
	output, err := b.Dispatch(itemCtx, it, report)
	if ctx.Err() != nil {
		log.Info("run cancelled, result discarded")
		return outcomeDiscarded
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", b.Timeout, err)
		}
		log.Warn("item failed", "error", err, "elapsed", time.Since(start))
		if e.fail(ctx, b.RunID, it, models.ItemStatusProcessing, err) {
			return outcomeFailed
		}
		return outcomeDiscarded
	}

	if _, err := e.store.UpsertItem(ctx, b.RunID, it.Category, it.ID, models.ItemPatch{
		Status:   models.ItemStatusCompleted,
		Output:   output,
		Progress: models.Progress(100),
		Expect:   models.ItemStatusProcessing,
	}); err != nil {
		log.Warn("result discarded", "error", err)
		return outcomeDiscarded
	}
	log.Info("item completed", "output", output, "elapsed", time.Since(start))
	return outcomeCompleted
}

func (e *Executor) fail(ctx context.Context, runID string, it models.Item, expect models.ItemStatus, cause error) bool {
	_, err := e.store.UpsertItem(ctx, runID, it.Category, it.ID, models.ItemPatch{
		Status: models.ItemStatusFailed,
		Error:  cause.Error(),
		Expect: expect,
	})
	if err != nil {
		e.logger.Warn("failure not recorded", "run_id", runID, "item_id", it.ID, "error", err)
		return false
	}
	return true
}
