package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ViralLaunch-server/models"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKey(t *testing.T) {
	assert.Equal(t, "p1:storyboard", Job{Kind: JobStoryboard, ProjectID: "p1"}.Key())
	assert.Equal(t, "p1:clips", Job{Kind: JobClips, ProjectID: "p1"}.Key())
	assert.Equal(t, "p1:retry:clip:clip_02", Job{
		Kind: JobRetry, ProjectID: "p1", RunID: "p1/video", Category: models.CategoryClip, ItemID: "clip_02",
	}.Key())
}

func waitState(t *testing.T, r *LocalRunner, job Job, want JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.State(context.Background(), job)
		return ok && s == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalRunnerRejectsDuplicateWhileRunning(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	r := NewLocalRunner(func(ctx context.Context, job Job) error {
		<-release
		return nil
	}, discardLogger())
	job := Job{Kind: JobStoryboard, ProjectID: "p1"}

	_, ok := r.State(ctx, job)
	assert.False(t, ok)

	require.NoError(t, r.Submit(ctx, job))
	waitState(t, r, job, JobRunning)
	assert.ErrorIs(t, r.Submit(ctx, job), ErrAlreadyRunning)
	require.NoError(t, r.Submit(ctx, Job{Kind: JobClips, ProjectID: "p1"}))

	close(release)
	r.Wait()
	waitState(t, r, job, JobSucceeded)
	require.NoError(t, r.Submit(ctx, job))
	r.Wait()
}

func TestLocalRunnerRecordsFailures(t *testing.T) {
	ctx := context.Background()
	r := NewLocalRunner(func(ctx context.Context, job Job) error {
		if job.ProjectID == "panics" {
			panic("boom")
		}
		return errors.New("scenes produced no usable output")
	}, discardLogger())

	require.NoError(t, r.Submit(ctx, Job{Kind: JobStoryboard, ProjectID: "p1"}))
	require.NoError(t, r.Submit(ctx, Job{Kind: JobStoryboard, ProjectID: "panics"}))
	r.Wait()

	s, _ := r.State(ctx, Job{Kind: JobStoryboard, ProjectID: "p1"})
	assert.Equal(t, JobFailed, s)
	s, _ = r.State(ctx, Job{Kind: JobStoryboard, ProjectID: "panics"})
	assert.Equal(t, JobFailed, s)
}

func TestLocalRunnerCancelProject(t *testing.T) {
	ctx := context.Background()
	r := NewLocalRunner(func(ctx context.Context, job Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, discardLogger())
	job := Job{Kind: JobStoryboard, ProjectID: "p1"}
	other := Job{Kind: JobStoryboard, ProjectID: "p2"}
	require.NoError(t, r.Submit(ctx, job))
	require.NoError(t, r.Submit(ctx, other))
	waitState(t, r, job, JobRunning)

	r.CancelProject(ctx, "p1")
	_, ok := r.State(ctx, job)
	assert.False(t, ok)
	s, _ := r.State(ctx, other)
	assert.Equal(t, JobRunning, s)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	assert.Error(t, r.Submit(ctx, job))
}

func TestProcessorHandleRunJob(t *testing.T) {
	var got Job
	p := &Processor{
		handler: func(ctx context.Context, job Job) error {
			got = job
			if job.ProjectID == "bad" {
				return errors.New("failed")
			}
			return nil
		},
		logger: discardLogger(),
	}
	payload, err := json.Marshal(Job{Kind: JobClips, ProjectID: "p1"})
	require.NoError(t, err)

	require.NoError(t, p.HandleRunJob(context.Background(), asynq.NewTask(TypeRunJob, payload)))
	assert.Equal(t, Job{Kind: JobClips, ProjectID: "p1"}, got)

	payload, err = json.Marshal(Job{Kind: JobClips, ProjectID: "bad"})
	require.NoError(t, err)
	err = p.HandleRunJob(context.Background(), asynq.NewTask(TypeRunJob, payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = p.HandleRunJob(context.Background(), asynq.NewTask(TypeRunJob, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNATSSubject(t *testing.T) {
	n := NewNATSNotifier(nil, "virallaunch.runs", discardLogger())
	assert.Equal(t, "virallaunch.runs.p1.video", n.Subject("p1/video"))
}
