package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ViralLaunch-server/models"
)

// Pipeline is the application surface used by the HTTP handlers and the CLI.
type Pipeline struct {
	scheduler *Scheduler
	store     *StatusStore
	docs      DocumentStore
	artifacts ArtifactStore
	runner    JobRunner
	logger    *slog.Logger
}

func NewPipeline(scheduler *Scheduler, store *StatusStore, docs DocumentStore, artifacts ArtifactStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		scheduler: scheduler,
		store:     store,
		docs:      docs,
		artifacts: artifacts,
		logger:    logger.With("component", "pipeline"),
	}
}

// SetRunner attaches the runner; it is built after the pipeline because it
// calls back into HandleJob.
func (p *Pipeline) SetRunner(r JobRunner) { p.runner = r }

func (p *Pipeline) Store() *StatusStore { return p.store }

func (p *Pipeline) Docs() DocumentStore { return p.docs }

// HandleJob executes a job synchronously.
func (p *Pipeline) HandleJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobStoryboard:
		return p.scheduler.RunStoryboard(ctx, job.ProjectID)
	case JobClips:
		return p.scheduler.RunClips(ctx, job.ProjectID)
	case JobRetry:
		return p.scheduler.RetryItem(ctx, job.RunID, job.Category, job.ItemID)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

// StartStoryboard validates the prerequisites and submits a storyboard job.
func (p *Pipeline) StartStoryboard(ctx context.Context, projectID string) error {
	if _, err := p.docs.Get(ctx, projectID, models.DocResearchOutput); err != nil {
		return fmt.Errorf("%w: research_output: %w", ErrPrerequisite, err)
	}
	if err := p.scheduler.Preflight(); err != nil {
		return err
	}
	if err := p.checkNoRetry(ctx, models.RunID(projectID, models.RunKindStoryboard)); err != nil {
		return err
	}
	return p.runner.Submit(ctx, Job{Kind: JobStoryboard, ProjectID: projectID})
}

// StartClips submits a clips job for a finished storyboard.
func (p *Pipeline) StartClips(ctx context.Context, projectID string) error {
	sb, err := p.store.GetRun(ctx, models.RunID(projectID, models.RunKindStoryboard))
	if err != nil {
		return fmt.Errorf("%w: storyboard: %w", ErrPrerequisite, err)
	}
	if !sb.Status.Terminal() || sb.Status == models.RunStatusFailed {
		return fmt.Errorf("%w: storyboard is %s", ErrPrerequisite, sb.Status)
	}
	if err := p.scheduler.Preflight(); err != nil {
		return err
	}
	if err := p.checkNoRetry(ctx, models.RunID(projectID, models.RunKindVideo)); err != nil {
		return err
	}
	return p.runner.Submit(ctx, Job{Kind: JobClips, ProjectID: projectID})
}

// checkNoRetry reports ErrAlreadyRunning while an item retry holds the run open.
func (p *Pipeline) checkNoRetry(ctx context.Context, runID string) error {
	run, err := p.store.GetRun(ctx, runID)
	if err == nil && run.Retrying > 0 {
		return fmt.Errorf("%w: %s has a retry in flight", ErrAlreadyRunning, runID)
	}
	return nil
}

// RunStatus returns the run snapshot. A submitted job whose run does not
// exist yet reads as queued; a missing run reads as not_started.
func (p *Pipeline) RunStatus(ctx context.Context, projectID string, kind models.RunKind) (*models.Run, error) {
	runID := models.RunID(projectID, kind)
	run, err := p.store.GetRun(ctx, runID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	status, phase := models.RunStatusNotStarted, models.Phase("")
	jobKind := JobStoryboard
	if kind == models.RunKindVideo {
		jobKind = JobClips
	}
	if state, ok := p.runner.State(ctx, Job{Kind: jobKind, ProjectID: projectID}); ok && !state.Terminal() {
		status, phase = models.RunStatusQueued, models.PhaseQueued
	}
	return &models.Run{
		ID:        runID,
		ProjectID: projectID,
		Kind:      kind,
		Phase:     phase,
		Status:    status,
		Items:     []models.Item{},
	}, nil
}

func (p *Pipeline) VideoStatus(ctx context.Context, projectID string) (*models.VideoStatus, error) {
	run, err := p.RunStatus(ctx, projectID, models.RunKindVideo)
	if err != nil {
		return nil, err
	}
	return models.NewVideoStatus(run), nil
}

// RetryClip submits a retry of one failed clip.
func (p *Pipeline) RetryClip(ctx context.Context, projectID, clipID string) error {
	runID := models.RunID(projectID, models.RunKindVideo)
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	it, ok := run.Item(models.CategoryClip, clipID)
	if !ok {
		return fmt.Errorf("clip %s: %w", clipID, ErrNotFound)
	}
	if it.Status != models.ItemStatusFailed {
		return fmt.Errorf("%w: clip %s is %s", ErrNotRetryable, clipID, it.Status)
	}
	if run.Phase != models.PhaseDone && run.Retrying == 0 {
		return fmt.Errorf("%w: video run is %s", ErrNotRetryable, run.Phase)
	}
	if err := p.scheduler.Preflight(); err != nil {
		return err
	}
	return p.runner.Submit(ctx, Job{
		Kind:      JobRetry,
		ProjectID: projectID,
		RunID:     runID,
		Category:  models.CategoryClip,
		ItemID:    clipID,
	})
}

// DeleteProject cancels the project's jobs and removes its runs, documents
// and artifacts.
func (p *Pipeline) DeleteProject(ctx context.Context, projectID string) error {
	p.runner.CancelProject(ctx, projectID)
	for _, kind := range []models.RunKind{models.RunKindStoryboard, models.RunKindVideo} {
		p.store.DeleteRun(models.RunID(projectID, kind))
	}
	if err := p.docs.DeleteProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if err := p.artifacts.DeletePrefix(ctx, ProjectPrefix(projectID)); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	p.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// Recover resubmits persisted runs that never reached a terminal status.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	projects, err := p.docs.Projects(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, projectID := range projects {
		for _, kind := range []models.RunKind{models.RunKindStoryboard, models.RunKindVideo} {
			run, err := p.store.GetRun(ctx, models.RunID(projectID, kind))
			if err != nil || run.Status.Terminal() {
				continue
			}
			job := Job{Kind: JobStoryboard, ProjectID: projectID}
			if kind == models.RunKindVideo {
				job.Kind = JobClips
			}
			if err := p.runner.Submit(ctx, job); err != nil {
				p.logger.Warn("could not resume run", "run_id", run.ID, "error", err)
				continue
			}
			p.logger.Info("resuming interrupted run", "run_id", run.ID, "phase", run.Phase)
			resumed++
		}
	}
	return resumed, nil
}

// Resume runs the project's storyboard and, when a storyboard exists,
// its clips in the foreground, skipping finished work.
func (p *Pipeline) Resume(ctx context.Context, projectID string, clips bool) error {
	start := time.Now()
	if err := p.scheduler.RunStoryboard(ctx, projectID); err != nil {
		return fmt.Errorf("storyboard: %w", err)
	}
	if clips {
		if err := p.scheduler.RunClips(ctx, projectID); err != nil {
			return fmt.Errorf("clips: %w", err)
		}
	}
	p.logger.Info("resume finished", "project_id", projectID, "elapsed", time.Since(start))
	return nil
}

// Retry re-runs one failed item in the foreground.
func (p *Pipeline) Retry(ctx context.Context, projectID string, kind models.RunKind, cat models.Category, itemID string) error {
	return p.scheduler.RetryItem(ctx, models.RunID(projectID, kind), cat, itemID)
}
