package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ViralLaunch-server/models"
)

// StatusStore owns the Run documents. Writers are serialized; every write
// persists the full snapshot before it becomes visible to readers and
// subscribers. Readers load an immutable snapshot without locking.
type StatusStore struct {
	docs   DocumentStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	runs    sync.Map // run id -> *models.Run, never mutated once stored
	deleted map[string]bool
	// claims holds the items moved to processing by a live dispatcher of
	// this process, keyed by claimKey.
	claims map[string]bool

	subMu  sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	runID string
	ch    chan *models.Run
}

func NewStatusStore(docs DocumentStore, logger *slog.Logger) *StatusStore {
	return &StatusStore{
		docs:    docs,
		logger:  logger.With("component", "status_store"),
		now:     time.Now,
		deleted: make(map[string]bool),
		claims:  make(map[string]bool),
		subs:    make(map[int]*subscription),
	}
}

// GetRun returns a copy of the latest snapshot, loading a persisted one on
// first access.
func (s *StatusStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if v, ok := s.runs.Load(runID); ok {
		return v.(*models.Run).Clone(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.current(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// current returns the stored snapshot. Callers hold s.mu.
func (s *StatusStore) current(ctx context.Context, runID string) (*models.Run, error) {
	if v, ok := s.runs.Load(runID); ok {
		return v.(*models.Run), nil
	}
	if s.deleted[runID] {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	projectID, kind, err := models.ParseRunID(runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	var run models.Run
	if err := GetJSON(ctx, s.docs, projectID, kind.StatusKey(), &run); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	if run.ID != runID {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.runs.Store(runID, &run)
	return &run, nil
}

// BeginRun creates the run, or reopens an existing one keeping its items so
// a resumed execution can skip completed work.
func (s *StatusStore) BeginRun(ctx context.Context, projectID string, kind models.RunKind) (*models.Run, error) {
	runID := models.RunID(projectID, kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deleted, runID)
	now := s.now()
	prev, err := s.current(ctx, runID)
	var next *models.Run
	switch {
	case err == nil && prev.Retrying > 0:
		return nil, fmt.Errorf("%w: %s has a retry in flight", ErrAlreadyRunning, runID)
	case err == nil:
		next = prev.Clone()
		next.Phase = models.PhaseQueued
		next.Status = models.RunStatusQueued
		next.Error = ""
		next.Message = ""
		next.FinishedAt = nil
	case errors.Is(err, ErrNotFound):
		next = &models.Run{
			ID:        runID,
			ProjectID: projectID,
			Kind:      kind,
			Phase:     models.PhaseQueued,
			Status:    models.RunStatusQueued,
			Items:     []models.Item{},
			CreatedAt: now,
		}
	default:
		return nil, err
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// UpdateRun applies fn to a copy of the run and commits it.
func (s *StatusStore) UpdateRun(ctx context.Context, runID string, fn func(*models.Run) error) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, runID, fn)
}

// update is UpdateRun for callers holding s.mu.
func (s *StatusStore) update(ctx context.Context, runID string, fn func(*models.Run) error) (*models.Run, error) {
	prev, err := s.current(ctx, runID)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// AddItems appends items not yet present in the run. Items already known
// keep their state. A batch with repeated (category, id) pairs is rejected.
func (s *StatusStore) AddItems(ctx context.Context, runID string, items []models.Item) (*models.Run, error) {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		k := string(it.Category) + "/" + it.ID
		if seen[k] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, k)
		}
		seen[k] = true
	}
	return s.UpdateRun(ctx, runID, func(r *models.Run) error {
		now := s.now()
		for _, it := range items {
			if r.Index(it.Category, it.ID) >= 0 {
				continue
			}
			if it.Status == "" {
				it.Status = models.ItemStatusPending
			}
			it.UpdatedAt = now
			r.Items = append(r.Items, it)
		}
		return nil
	})
}

// UpsertItem merges patch into the item and returns the updated item.
// Moving an item to processing claims it until a terminal status is written
// or Release is called; a claimed item cannot be moved to processing again.
func (s *StatusStore) UpsertItem(ctx context.Context, runID string, cat models.Category, id string, patch models.ItemPatch) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(runID, cat, id)
	var out models.Item
	_, err := s.update(ctx, runID, func(r *models.Run) error {
		i := r.Index(cat, id)
		if i < 0 {
			return fmt.Errorf("item %s/%s in %s: %w", cat, id, runID, ErrNotFound)
		}
		cur := r.Items[i]
		if patch.Expect != "" && cur.Status != patch.Expect {
			return fmt.Errorf("%w: %s/%s is %s, expected %s", ErrInvalidTransition, cat, id, cur.Status, patch.Expect)
		}
		if patch.Status != "" && !models.CanTransition(cur.Status, patch.Status, patch.Retry) {
			return fmt.Errorf("%w: %s/%s %s -> %s", ErrInvalidTransition, cat, id, cur.Status, patch.Status)
		}
		if patch.Status == models.ItemStatusProcessing && s.claims[key] {
			return fmt.Errorf("%w: %s/%s is already in flight", ErrInvalidTransition, cat, id)
		}
		if patch.Status == "" && cur.Status == models.ItemStatusCompleted {
			return fmt.Errorf("%w: %s/%s is completed", ErrInvalidTransition, cat, id)
		}
		r.Items[i] = cur.Apply(patch, s.now())
		out = r.Items[i]
		return nil
	})
	if err != nil {
		return out, err
	}
	switch {
	case patch.Status == models.ItemStatusProcessing:
		s.claims[key] = true
	case out.Status.Terminal():
		delete(s.claims, key)
	}
	return out, nil
}

// Release drops the claim on an item left in processing, so a later
// resume of the run may dispatch it again.
func (s *StatusStore) Release(runID string, cat models.Category, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, claimKey(runID, cat, id))
}

func claimKey(runID string, cat models.Category, id string) string {
	return runID + "/" + string(cat) + "/" + id
}

// DeleteRun forgets the run. Later writes for it fail with ErrNotFound
// until BeginRun creates it again.
func (s *StatusStore) DeleteRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs.Delete(runID)
	s.deleted[runID] = true
	prefix := runID + "/"
	for k := range s.claims {
		if strings.HasPrefix(k, prefix) {
			delete(s.claims, k)
		}
	}
}

// commit recomputes aggregates, persists, swaps the snapshot and publishes.
// Callers hold s.mu.
func (s *StatusStore) commit(ctx context.Context, run *models.Run) error {
	run.Recount()
	run.UpdatedAt = s.now()
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	if err := s.docs.Put(context.WithoutCancel(ctx), run.ProjectID, run.Kind.StatusKey(), body); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	s.runs.Store(run.ID, run)
	s.publish(run)
	return nil
}

// Subscribe delivers every committed snapshot of runID, or of all runs when
// runID is empty. Slow subscribers miss intermediate snapshots.
func (s *StatusStore) Subscribe(runID string) (<-chan *models.Run, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	sub := &subscription{runID: runID, ch: make(chan *models.Run, 32)}
	s.subs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *StatusStore) publish(run *models.Run) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		if sub.runID != "" && sub.runID != run.ID {
			continue
		}
		select {
		case sub.ch <- run.Clone():
		default:
			s.logger.Debug("subscriber lagging, snapshot dropped", "run_id", run.ID)
		}
	}
}

// WaitItem blocks until the item reaches a terminal status.
func (s *StatusStore) WaitItem(ctx context.Context, runID string, cat models.Category, id string) (models.Item, error) {
	ch, cancel := s.Subscribe(runID)
	defer cancel()
	for {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return models.Item{}, err
		}
		it, ok := run.Item(cat, id)
		if !ok {
			return models.Item{}, fmt.Errorf("item %s/%s in %s: %w", cat, id, runID, ErrNotFound)
		}
		if it.Status.Terminal() {
			return it, nil
		}
		select {
		case <-ctx.Done():
			return models.Item{}, ctx.Err()
		case <-ch:
		}
	}
}
