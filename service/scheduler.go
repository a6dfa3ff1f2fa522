package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"
)

// SchedulerOptions tune phase fan-out and generation requests.
type SchedulerOptions struct {
	Concurrency   map[models.Phase]int
	ItemTimeout   time.Duration
	ClipTimeout   time.Duration
	PollInterval  time.Duration
	VideoDuration int
	AutoClips     bool
}

// SchedulerOptionsFromConfig raises item deadlines that are too short for
// the retry policy to run all of its attempts.
func SchedulerOptionsFromConfig(cfg *config.Config) SchedulerOptions {
	opts := SchedulerOptions{
		Concurrency: map[models.Phase]int{
			models.PhaseAssets: cfg.Pipeline.Concurrency.Assets,
			models.PhaseScenes: cfg.Pipeline.Concurrency.Scenes,
			models.PhaseClips:  cfg.Pipeline.Concurrency.Clips,
		},
		ItemTimeout:   cfg.Pipeline.ItemTimeout,
		ClipTimeout:   cfg.Pipeline.ClipTimeout,
		PollInterval:  cfg.Gemini.PollInterval,
		VideoDuration: cfg.Gemini.VideoDuration,
		AutoClips:     cfg.Pipeline.AutoClips,
	}
	minTimeout := RetryPolicyFromConfig(cfg.Pipeline.Retry).MinItemTimeout()
	if opts.ItemTimeout < minTimeout {
		opts.ItemTimeout = minTimeout
	}
	if opts.ClipTimeout < minTimeout {
		opts.ClipTimeout = minTimeout
	}
	return opts
}

// Scheduler drives a run through its phases. Each phase is recorded before
// its items fan out and fully drains before the next one starts.
type Scheduler struct {
	store     *StatusStore
	executor  *Executor
	resume    *ResumeController
	planner   *Planner
	docs      DocumentStore
	artifacts ArtifactStore
	gen       Generator
	genErr    error
	opts      SchedulerOptions
	logger    *slog.Logger
}

// NewScheduler builds a scheduler. genErr is the reason gen could not be
// built; runs fail with it before any dispatch.
func NewScheduler(store *StatusStore, docs DocumentStore, artifacts ArtifactStore, gen Generator, genErr error, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.VideoDuration <= 0 {
		opts.VideoDuration = models.ClipDurationSeconds
	}
	return &Scheduler{
		store:     store,
		executor:  NewExecutor(store, logger),
		resume:    NewResumeController(store, artifacts, logger),
		planner:   NewPlanner(gen, logger).WithTimeout(opts.ItemTimeout),
		docs:      docs,
		artifacts: artifacts,
		gen:       gen,
		genErr:    genErr,
		opts:      opts,
		logger:    logger.With("component", "scheduler"),
	}
}

// Preflight reports a generator configuration failure.
func (s *Scheduler) Preflight() error {
	if s.gen != nil {
		return nil
	}
	if s.genErr == nil {
		return fmt.Errorf("%w: no generator configured", ErrConfig)
	}
	if errors.Is(s.genErr, ErrConfig) {
		return s.genErr
	}
	return fmt.Errorf("%w: %w", ErrConfig, s.genErr)
}

type phaseSpec struct {
	name     models.Phase
	message  string
	blocking bool
	items    func(ctx context.Context) ([]models.Item, error)
	batch    Batch
}

func staticItems(items []models.Item) func(context.Context) ([]models.Item, error) {
	return func(context.Context) ([]models.Item, error) { return items, nil }
}

// RunStoryboard executes text, assets and scenes (and clips with AutoClips)
// for the project, then writes the storyboard document.
func (s *Scheduler) RunStoryboard(ctx context.Context, projectID string) error {
	run, err := s.store.BeginRun(ctx, projectID, models.RunKindStoryboard)
	if err != nil {
		return err
	}
	log := s.logger.With("run_id", run.ID)
	if err := s.Preflight(); err != nil {
		s.failRun(ctx, run.ID, err)
		return err
	}
	var research models.Research
	if err := GetJSON(ctx, s.docs, projectID, models.DocResearchOutput, &research); err != nil {
		err = fmt.Errorf("%w: research_output: %w", ErrPrerequisite, err)
		s.failRun(ctx, run.ID, err)
		return err
	}

	if _, err := s.enterPhase(ctx, run.ID, models.PhaseText, "Planning storyboard"); err != nil {
		return err
	}
	assets := run.ItemsIn(models.CategoryCharacter, models.CategoryObject, models.CategoryEnvironment)
	frames := run.ItemsIn(models.CategoryFrame)
	if len(frames) > 0 {
		log.Info("plan already recorded, text phase skipped", "assets", len(assets), "frames", len(frames))
	} else {
		plan := s.planner.Plan(ctx, &research)
		assets, frames = plan.Items()
		if plan.Degraded {
			log.Warn("storyboard continues on placeholder plan", "note", plan.Note)
			if _, err := s.store.UpdateRun(ctx, run.ID, func(r *models.Run) error {
				r.Degraded = true
				r.Message = plan.Note
				return nil
			}); err != nil {
				return err
			}
		}
	}

	phases := []phaseSpec{
		{
			name:    models.PhaseAssets,
			message: "Generating characters, objects and environments",
			items:   staticItems(assets),
			batch:   s.batch(models.PhaseAssets, s.imageDispatch(run.ID), s.opts.ItemTimeout),
		},
		{
			name:     models.PhaseScenes,
			message:  "Generating storyboard frames",
			blocking: true,
			items:    staticItems(frames),
			batch:    s.batch(models.PhaseScenes, s.frameDispatch(run.ID), s.opts.ItemTimeout),
		},
	}
	if s.opts.AutoClips {
		phases = append(phases, s.clipPhase(run.ID, run.ID))
	}
	if err := s.runPhases(ctx, run.ID, phases); err != nil {
		return err
	}
	final, err := s.finish(ctx, run.ID)
	if err != nil {
		return err
	}
	return s.writeStoryboard(ctx, final, research.SelectedScript.ID)
}

// RunClips generates one clip per storyboard frame in a separate video run.
func (s *Scheduler) RunClips(ctx context.Context, projectID string) error {
	frameRunID := models.RunID(projectID, models.RunKindStoryboard)
	sb, err := s.store.GetRun(ctx, frameRunID)
	if err != nil {
		return fmt.Errorf("%w: storyboard: %w", ErrPrerequisite, err)
	}
	if !sb.Status.Terminal() || sb.Status == models.RunStatusFailed {
		return fmt.Errorf("%w: storyboard is %s", ErrPrerequisite, sb.Status)
	}

	run, err := s.store.BeginRun(ctx, projectID, models.RunKindVideo)
	if err != nil {
		return err
	}
	if err := s.Preflight(); err != nil {
		s.failRun(ctx, run.ID, err)
		return err
	}
	if err := s.runPhases(ctx, run.ID, []phaseSpec{s.clipPhase(run.ID, frameRunID)}); err != nil {
		return err
	}
	_, err = s.finish(ctx, run.ID)
	return err
}

// RetryItem re-dispatches exactly one failed item of a finished run. The
// run is reopened in the item's phase while the retry is in flight and takes
// its final status again afterwards.
func (s *Scheduler) RetryItem(ctx context.Context, runID string, cat models.Category, id string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	it, ok := run.Item(cat, id)
	if !ok {
		return fmt.Errorf("item %s/%s in %s: %w", cat, id, runID, ErrNotFound)
	}
	if it.Status != models.ItemStatusFailed {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotRetryable, cat, id, it.Status)
	}
	if err := s.Preflight(); err != nil {
		return err
	}

	var b Batch
	switch cat {
	case models.CategoryClip:
		frameRunID := runID
		if run.Kind == models.RunKindVideo {
			frameRunID = models.RunID(run.ProjectID, models.RunKindStoryboard)
		}
		b = s.clipPhase(runID, frameRunID).batch
	case models.CategoryFrame:
		b = s.batch(models.PhaseScenes, s.frameDispatch(runID), s.opts.ItemTimeout)
	default:
		b = s.batch(models.PhaseAssets, s.imageDispatch(runID), s.opts.ItemTimeout)
	}

	reopened := false
	if _, err := s.store.UpdateRun(ctx, runID, func(r *models.Run) error {
		reopened = false
		if cur, ok := r.Item(cat, id); !ok || cur.Status != models.ItemStatusFailed {
			return fmt.Errorf("%w: %s/%s is no longer failed", ErrNotRetryable, cat, id)
		}
		switch {
		case r.Phase == models.PhaseDone || r.Retrying > 0:
			r.Retrying++
			r.Phase = models.PhaseOf(cat)
			r.Status = models.RunStatusProcessing
			r.FinishedAt = nil
			reopened = true
		case r.Phase == models.PhaseError:
			return fmt.Errorf("%w: run %s failed, start it again", ErrNotRetryable, runID)
		default:
			return fmt.Errorf("%w: run %s is still %s", ErrNotRetryable, runID, r.Phase)
		}
		return nil
	}); err != nil {
		return err
	}

	b.RunID = runID
	b.Items = []models.Item{it}
	b.Retry = true
	sum := s.executor.Execute(ctx, b)
	s.logger.Info("item retried", "run_id", runID, "item_id", id, "completed", sum.Completed, "failed", sum.Failed)

	// Writes below must land even when the job was cancelled, otherwise the
	// run would stay open.
	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if _, err := s.store.UpsertItem(wctx, runID, cat, id, models.ItemPatch{
			Status: models.ItemStatusFailed,
			Error:  "retry cancelled",
			Expect: models.ItemStatusProcessing,
		}); err != nil {
			s.logger.Debug("cancelled retry left item as is", "run_id", runID, "item_id", id, "error", err)
		}
	}
	final, err := s.store.UpdateRun(wctx, runID, func(r *models.Run) error {
		if !reopened || r.Retrying == 0 {
			return nil
		}
		r.Retrying--
		if r.Retrying == 0 {
			now := time.Now()
			r.Phase = models.PhaseDone
			r.Status = r.FinalStatus()
			r.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sum.Dispatched == 0 {
		return fmt.Errorf("%w: %s/%s is already being retried", ErrNotRetryable, cat, id)
	}
	if final.Kind == models.RunKindStoryboard && final.Phase == models.PhaseDone {
		scriptID, err := s.scriptID(ctx, final.ProjectID)
		if err != nil {
			return err
		}
		return s.writeStoryboard(ctx, final, scriptID)
	}
	return nil
}

// scriptID reads the script id from the storyboard document, falling back
// to the research output it was built from.
func (s *Scheduler) scriptID(ctx context.Context, projectID string) (string, error) {
	var prev models.Storyboard
	err := GetJSON(ctx, s.docs, projectID, models.DocStoryboard, &prev)
	if err == nil && prev.ScriptID != "" {
		return prev.ScriptID, nil
	}
	if err != nil {
		s.logger.Warn("storyboard document unreadable, script id taken from research", "project_id", projectID, "error", err)
	}
	var research models.Research
	if rerr := GetJSON(ctx, s.docs, projectID, models.DocResearchOutput, &research); rerr != nil {
		return "", fmt.Errorf("script id for %s: %w", projectID, errors.Join(err, rerr))
	}
	return research.SelectedScript.ID, nil
}

func (s *Scheduler) batch(phase models.Phase, dispatch DispatchFunc, timeout time.Duration) Batch {
	return Batch{Limit: s.opts.Concurrency[phase], Timeout: timeout, Dispatch: dispatch}
}

func (s *Scheduler) clipPhase(runID, frameRunID string) phaseSpec {
	b := s.batch(models.PhaseClips, s.clipDispatch(runID, frameRunID), s.opts.ClipTimeout)
	b.Ready = s.frameGate(frameRunID)
	return phaseSpec{
		name:    models.PhaseClips,
		message: "Generating video clips",
		items: func(ctx context.Context) ([]models.Item, error) {
			frameRun, err := s.store.GetRun(ctx, frameRunID)
			if err != nil {
				return nil, err
			}
			var clips []models.Item
			for i, f := range frameRun.ItemsIn(models.CategoryFrame) {
				clips = append(clips, models.Item{
					ID:             models.ClipID(i + 1),
					Category:       models.CategoryClip,
					Order:          i + 1,
					DependsOn:      f.ID,
					Prompt:         clipPrompt(f.Description, f.AudioPrompt),
					ReferenceImage: f.Output,
					Description:    f.Description,
					AudioPrompt:    f.AudioPrompt,
					Duration:       s.opts.VideoDuration,
				})
			}
			return clips, nil
		},
		batch: b,
	}
}

// frameGate waits for the clip's frame to finish and rejects unusable frames.
func (s *Scheduler) frameGate(frameRunID string) func(context.Context, models.Item) error {
	return func(ctx context.Context, it models.Item) error {
		frame, err := s.store.WaitItem(ctx, frameRunID, models.CategoryFrame, it.DependsOn)
		if err != nil {
			return fmt.Errorf("%w: frame %s: %w", ErrDependencyFailed, it.DependsOn, err)
		}
		if frame.Status != models.ItemStatusCompleted || frame.Output == "" {
			return fmt.Errorf("%w: frame %s %s", ErrDependencyFailed, it.DependsOn, frame.Status)
		}
		return nil
	}
}

func (s *Scheduler) runPhases(ctx context.Context, runID string, phases []phaseSpec) error {
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := s.logger.With("run_id", runID, "phase", ph.name)
		if _, err := s.enterPhase(ctx, runID, ph.name, ph.message); err != nil {
			return err
		}
		items, err := ph.items(ctx)
		if err != nil {
			s.failRun(ctx, runID, err)
			return err
		}
		if len(items) > 0 {
			if _, err := s.store.AddItems(ctx, runID, items); err != nil {
				s.failRun(ctx, runID, err)
				return err
			}
		}
		remaining, err := s.resume.Remaining(ctx, runID, items)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			log.Info("nothing to dispatch", "items", len(items))
		} else {
			b := ph.batch
			b.RunID = runID
			b.Items = remaining
			b.Retry = true
			sum := s.executor.Execute(ctx, b)
			log.Info("phase drained", "dispatched", sum.Dispatched, "completed", sum.Completed, "failed", sum.Failed)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if ph.blocking {
			snap, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			completed := 0
			for _, it := range items {
				if cur, ok := snap.Item(it.Category, it.ID); ok && cur.Status == models.ItemStatusCompleted {
					completed++
				}
			}
			if completed == 0 {
				err := fmt.Errorf("phase %s produced no usable output", ph.name)
				log.Error("blocking phase failed, later phases skipped", "items", len(items))
				s.failRun(ctx, runID, err)
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) enterPhase(ctx context.Context, runID string, phase models.Phase, message string) (*models.Run, error) {
	return s.store.UpdateRun(ctx, runID, func(r *models.Run) error {
		r.Phase = phase
		r.Status = models.RunStatusProcessing
		if message != "" && !r.Degraded {
			r.Message = message
		}
		return nil
	})
}

func (s *Scheduler) finish(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.UpdateRun(ctx, runID, func(r *models.Run) error {
		now := time.Now()
		r.Phase = models.PhaseDone
		r.Status = r.FinalStatus()
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("run finished", "run_id", runID, "status", run.Status,
		"completed", run.Completed, "failed", run.Failed, "total", run.Total)
	return run, nil
}

func (s *Scheduler) failRun(ctx context.Context, runID string, cause error) {
	_, err := s.store.UpdateRun(ctx, runID, func(r *models.Run) error {
		now := time.Now()
		r.Phase = models.PhaseError
		r.Status = models.RunStatusFailed
		r.Error = cause.Error()
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("could not record run failure", "run_id", runID, "cause", cause, "error", err)
	}
}

func (s *Scheduler) writeStoryboard(ctx context.Context, run *models.Run, scriptID string) error {
	if err := PutJSON(ctx, s.docs, run.ProjectID, models.DocStoryboard, models.NewStoryboard(scriptID, run)); err != nil {
		return fmt.Errorf("write storyboard: %w", err)
	}
	return nil
}

func (s *Scheduler) save(ctx context.Context, runID string, it models.Item, m *Media) (string, error) {
	key := ArtifactKey(runID, it.Category, it.ID)
	return s.artifacts.Put(ctx, key, bytes.NewReader(m.Data), int64(len(m.Data)))
}

func (s *Scheduler) imageDispatch(runID string) DispatchFunc {
	return func(ctx context.Context, it models.Item, report ProgressFunc) (string, error) {
		img, err := s.gen.GenerateImage(ctx, ImageRequest{Prompt: it.Prompt})
		if err != nil {
			return "", err
		}
		return s.save(ctx, runID, it, img)
	}
}

// maxFrameReferences caps the asset images attached to a frame request.
const maxFrameReferences = 3

// frameDispatch attaches completed assets named in the scene as references.
func (s *Scheduler) frameDispatch(runID string) DispatchFunc {
	return func(ctx context.Context, it models.Item, report ProgressFunc) (string, error) {
		var refs []string
		if run, err := s.store.GetRun(ctx, runID); err == nil {
			desc := strings.ToLower(it.Description)
			for _, a := range run.ItemsIn(models.CategoryCharacter, models.CategoryObject, models.CategoryEnvironment) {
				if len(refs) == maxFrameReferences {
					break
				}
				if a.Status == models.ItemStatusCompleted && a.Name != "" && strings.Contains(desc, strings.ToLower(a.Name)) {
					refs = append(refs, a.Output)
				}
			}
		}
		img, err := s.gen.GenerateImage(ctx, ImageRequest{Prompt: it.Prompt, ReferenceImages: refs})
		if err != nil {
			return "", err
		}
		return s.save(ctx, runID, it, img)
	}
}

func (s *Scheduler) clipDispatch(runID, frameRunID string) DispatchFunc {
	return func(ctx context.Context, it models.Item, report ProgressFunc) (string, error) {
		ref := it.ReferenceImage
		if run, err := s.store.GetRun(ctx, frameRunID); err == nil {
			if f, ok := run.Item(models.CategoryFrame, it.DependsOn); ok && f.Output != "" {
				ref = f.Output
			}
		}
		handle, err := s.gen.GenerateVideo(ctx, VideoRequest{
			Prompt:          it.Prompt,
			ReferenceImage:  ref,
			DurationSeconds: it.Duration,
		})
		if err != nil {
			return "", err
		}
		report(30)
		video, err := WaitOperation(ctx, s.gen, handle, s.opts.PollInterval)
		if err != nil {
			return "", err
		}
		report(90)
		return s.save(ctx, runID, it, video)
	}
}
