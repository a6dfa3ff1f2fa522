package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ViralLaunch-server/models"

	"github.com/google/uuid"
)

const (
	JobStoryboard JobKind = "storyboard"
	JobClips      JobKind = "clips"
	JobRetry      JobKind = "retry"
)

const (
	JobSubmitted JobState = "submitted"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

type JobKind string

type JobState string

func (s JobState) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// Job is a unit of background pipeline work.
type Job struct {
	Kind      JobKind         `json:"kind"`
	ProjectID string          `json:"project_id"`
	RunID     string          `json:"run_id,omitempty"`
	Category  models.Category `json:"category,omitempty"`
	ItemID    string          `json:"item_id,omitempty"`
}

// Key identifies the job for duplicate detection. At most one job per key
// is in flight.
func (j Job) Key() string {
	if j.Kind == JobRetry {
		return fmt.Sprintf("%s:%s:%s:%s", j.ProjectID, j.Kind, j.Category, j.ItemID)
	}
	return j.ProjectID + ":" + string(j.Kind)
}

// JobHandler executes a job.
type JobHandler func(ctx context.Context, job Job) error

// JobRunner executes jobs in the background.
type JobRunner interface {
	// Submit returns ErrAlreadyRunning when a job with the same key is
	// submitted or running.
	Submit(ctx context.Context, job Job) error
	State(ctx context.Context, job Job) (JobState, bool)
	// CancelProject stops the project's jobs. Their results are discarded.
	CancelProject(ctx context.Context, projectID string)
	Shutdown(ctx context.Context) error
}

type localJob struct {
	id     string
	job    Job
	state  JobState
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// LocalRunner runs jobs on goroutines of this process.
type LocalRunner struct {
	handler JobHandler
	base    context.Context
	stop    context.CancelFunc
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

func NewLocalRunner(handler JobHandler, logger *slog.Logger) *LocalRunner {
	base, stop := context.WithCancel(context.Background())
	return &LocalRunner{
		handler: handler,
		base:    base,
		stop:    stop,
		logger:  logger.With("component", "local_runner"),
		jobs:    make(map[string]*localJob),
	}
}

func (r *LocalRunner) Submit(ctx context.Context, job Job) error {
	key := job.Key()
	r.mu.Lock()
	if r.base.Err() != nil {
		r.mu.Unlock()
		return errors.New("runner is shut down")
	}
	if cur, ok := r.jobs[key]; ok && !cur.state.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("job %s: %w", key, ErrAlreadyRunning)
	}
	jobCtx, cancel := context.WithCancel(r.base)
	lj := &localJob{id: uuid.NewString(), job: job, state: JobSubmitted, cancel: cancel, done: make(chan struct{})}
	r.jobs[key] = lj
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("job submitted", "key", key, "job_id", lj.id)
	go r.run(jobCtx, key, lj)
	return nil
}

func (r *LocalRunner) run(ctx context.Context, key string, lj *localJob) {
	defer r.wg.Done()
	defer close(lj.done)
	defer lj.cancel()

	r.setState(lj, JobRunning, nil)
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		return r.handler(ctx, lj.job)
	}()
	if err != nil {
		r.logger.Warn("job failed", "key", key, "job_id", lj.id, "error", err, "elapsed", time.Since(start))
		r.setState(lj, JobFailed, err)
		return
	}
	r.logger.Info("job finished", "key", key, "job_id", lj.id, "elapsed", time.Since(start))
	r.setState(lj, JobSucceeded, nil)
}

func (r *LocalRunner) setState(lj *localJob, s JobState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lj.state = s
	lj.err = err
}

func (r *LocalRunner) State(ctx context.Context, job Job) (JobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lj, ok := r.jobs[job.Key()]
	if !ok {
		return "", false
	}
	return lj.state, true
}

func (r *LocalRunner) CancelProject(ctx context.Context, projectID string) {
	r.mu.Lock()
	var waiting []*localJob
	for key, lj := range r.jobs {
		if lj.job.ProjectID != projectID {
			continue
		}
		lj.cancel()
		waiting = append(waiting, lj)
		delete(r.jobs, key)
	}
	r.mu.Unlock()
	for _, lj := range waiting {
		select {
		case <-lj.done:
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until every submitted job has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels running jobs and waits for them to return.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
