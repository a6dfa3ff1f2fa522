package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner reports a fixed state and records submissions.
type stubRunner struct {
	state     JobState
	submitted []Job
	cancelled []string
}

func (r *stubRunner) Submit(ctx context.Context, job Job) error {
	r.submitted = append(r.submitted, job)
	return nil
}

func (r *stubRunner) State(ctx context.Context, job Job) (JobState, bool) {
	return r.state, r.state != ""
}

func (r *stubRunner) CancelProject(ctx context.Context, projectID string) {
	r.cancelled = append(r.cancelled, projectID)
}

func (r *stubRunner) Shutdown(ctx context.Context) error { return nil }

func newTestPipeline(h *harness, runner JobRunner) *Pipeline {
	p := NewPipeline(h.sched, h.store, h.docs, h.artifacts, discardLogger())
	p.SetRunner(runner)
	return p
}

func TestStartStoryboardPrerequisites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)

	err := p.StartStoryboard(ctx, "p1")
	assert.ErrorIs(t, err, ErrPrerequisite)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, runner.submitted)

	h.putResearch(t, "p1", sampleResearch(1))
	require.NoError(t, p.StartStoryboard(ctx, "p1"))
	require.Len(t, runner.submitted, 1)
	assert.Equal(t, Job{Kind: JobStoryboard, ProjectID: "p1"}, runner.submitted[0])
}

func TestStartStoryboardSurfacesConfigErrorSynchronously(t *testing.T) {
	ctx := context.Background()
	store, docs := newTestStore(t)
	artifacts, err := NewLocalArtifactStore(t.TempDir(), testBaseURL)
	require.NoError(t, err)
	sched := NewScheduler(store, docs, artifacts, nil, fmt.Errorf("%w: %w", ErrConfig, config.ErrMissingCredential), SchedulerOptions{}, discardLogger())
	runner := &stubRunner{}
	p := NewPipeline(sched, store, docs, artifacts, discardLogger())
	p.SetRunner(runner)
	require.NoError(t, PutJSON(ctx, docs, "p1", models.DocResearchOutput, sampleResearch(1)))

	assert.ErrorIs(t, p.StartStoryboard(ctx, "p1"), ErrConfig)
	assert.Empty(t, runner.submitted)
}

func TestRunStatusSynthesizesMissingRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)

	run, err := p.RunStatus(ctx, "p1", models.RunKindStoryboard)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusNotStarted, run.Status)
	assert.Equal(t, "p1/storyboard", run.ID)

	runner.state = JobSubmitted
	run, err = p.RunStatus(ctx, "p1", models.RunKindStoryboard)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, models.PhaseQueued, run.Phase)

	runner.state = JobFailed
	vs, err := p.VideoStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusNotStarted, vs.Status)
	assert.Nil(t, vs.Playlist)
}

func TestStartClipsRequiresStoryboard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)

	assert.ErrorIs(t, p.StartClips(ctx, "p1"), ErrPrerequisite)

	runStoryboard(t, h, 2)
	require.NoError(t, p.StartClips(ctx, "p1"))
	assert.Equal(t, JobClips, runner.submitted[0].Kind)
}

func TestRetryClipValidatesState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)

	assert.ErrorIs(t, p.RetryClip(ctx, "p1", "clip_01"), ErrNotFound)

	runStoryboard(t, h, 2)
	h.gen.videoFn = func(req VideoRequest) (*Operation, error) {
		if strings.Contains(req.Prompt, "shot 2") {
			return &Operation{Done: true}, nil
		}
		return &Operation{Done: true, Video: &Media{Data: []byte("mp4"), MIMEType: "video/mp4"}}, nil
	}
	require.NoError(t, h.sched.RunClips(ctx, "p1"))

	assert.ErrorIs(t, p.RetryClip(ctx, "p1", "clip_07"), ErrNotFound)
	assert.ErrorIs(t, p.RetryClip(ctx, "p1", "clip_01"), ErrNotRetryable)
	require.NoError(t, p.RetryClip(ctx, "p1", "clip_02"))
	require.Len(t, runner.submitted, 1)
	assert.Equal(t, Job{Kind: JobRetry, ProjectID: "p1", RunID: "p1/video", Category: models.CategoryClip, ItemID: "clip_02"}, runner.submitted[0])

	h.gen.videoFn = nil
	require.NoError(t, p.HandleJob(ctx, runner.submitted[0]))
	vs, err := p.VideoStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, vs.Status)
	assert.Len(t, vs.Playlist, 2)
}

func TestDeleteProjectRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)
	runStoryboard(t, h, 1)

	require.NoError(t, p.DeleteProject(ctx, "p1"))
	assert.Equal(t, []string{"p1"}, runner.cancelled)

	_, err := h.store.GetRun(ctx, storyboardRun)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.docs.Get(ctx, "p1", models.DocResearchOutput)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := h.artifacts.Exists(ctx, ArtifactKey(storyboardRun, models.CategoryFrame, "scene-1"))
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := p.RunStatus(ctx, "p1", models.RunKindStoryboard)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusNotStarted, run.Status)
}

func TestRecoverResubmitsUnfinishedRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runStoryboard(t, h, 1)
	_, err := h.store.BeginRun(ctx, "p2", models.RunKindStoryboard)
	require.NoError(t, err)

	runner := &stubRunner{}
	p := NewPipeline(h.sched, NewStatusStore(h.docs, discardLogger()), h.docs, h.artifacts, discardLogger())
	p.SetRunner(runner)

	n, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []Job{{Kind: JobStoryboard, ProjectID: "p2"}}, runner.submitted)
}

func TestPipelineEndToEndWithLocalRunner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	p := NewPipeline(h.sched, h.store, h.docs, h.artifacts, discardLogger())
	runner := NewLocalRunner(p.HandleJob, discardLogger())
	p.SetRunner(runner)
	h.putResearch(t, "p1", sampleResearch(2))

	require.NoError(t, p.StartStoryboard(ctx, "p1"))
	runner.Wait()
	require.NoError(t, p.StartClips(ctx, "p1"))
	runner.Wait()

	vs, err := p.VideoStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, vs.Status)
	assert.Len(t, vs.Playlist, 2)
	assert.Len(t, vs.Clips, 2)
	assert.Equal(t, "scene-1", vs.Clips[0].FrameID)
}

func TestClipRetryInFlightBlocksRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerOptions{})
	runner := &stubRunner{}
	p := newTestPipeline(h, runner)
	runStoryboard(t, h, 2)
	h.gen.videoFn = func(req VideoRequest) (*Operation, error) {
		if strings.Contains(req.Prompt, "shot 2") {
			return &Operation{Done: true}, nil
		}
		return &Operation{Done: true, Video: &Media{Data: []byte("mp4"), MIMEType: "video/mp4"}}, nil
	}
	require.NoError(t, h.sched.RunClips(ctx, "p1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.gen.videoFn = nil
	h.gen.onVideo = func(req VideoRequest) {
		close(entered)
		<-release
	}
	done := make(chan error, 1)
	go func() { done <- p.Retry(ctx, "p1", models.RunKindVideo, models.CategoryClip, "clip_02") }()
	<-entered

	assert.ErrorIs(t, p.StartClips(ctx, "p1"), ErrAlreadyRunning)
	assert.ErrorIs(t, p.RetryClip(ctx, "p1", "clip_02"), ErrNotRetryable)
	assert.Empty(t, runner.submitted)
	vs, err := p.VideoStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusProcessing, vs.Status)
	assert.Nil(t, vs.Playlist)

	close(release)
	require.NoError(t, <-done)
	vs, err = p.VideoStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, vs.Status)
	assert.Len(t, vs.Playlist, 2)
}
