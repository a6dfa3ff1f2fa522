package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeRunJob   = "pipeline:run"
	defaultQueue = "default"
)

// AsynqRunner submits jobs to Redis through asynq. The job key is the task
// id, so a second submit while the first is queued or active conflicts.
type AsynqRunner struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	processor *Processor
	queue     string
	logger    *slog.Logger
}

func NewAsynqRunner(opt asynq.RedisClientOpt, processor *Processor, logger *slog.Logger) *AsynqRunner {
	return &AsynqRunner{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		processor: processor,
		queue:     defaultQueue,
		logger:    logger.With("component", "asynq_runner"),
	}
}

// enqueue adds the job task without duplicate handling.
func (r *AsynqRunner) enqueue(ctx context.Context, job Job) (*asynq.TaskInfo, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(TypeRunJob, payload,
		asynq.TaskID(job.Key()),
		asynq.Queue(r.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(3*time.Hour),
		asynq.Retention(24*time.Hour),
	)
	return r.client.EnqueueContext(ctx, task)
}

func (r *AsynqRunner) Submit(ctx context.Context, job Job) error {
	info, err := r.enqueue(ctx, job)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// A retained task of a finished job still holds the id.
		state, ok := r.State(ctx, job)
		if ok && !state.Terminal() {
			return fmt.Errorf("job %s: %w", job.Key(), ErrAlreadyRunning)
		}
		if derr := r.inspector.DeleteTask(r.queue, job.Key()); derr != nil && !errors.Is(derr, asynq.ErrTaskNotFound) {
			return fmt.Errorf("clear finished task %s: %w", job.Key(), derr)
		}
		info, err = r.enqueue(ctx, job)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("job %s: %w", job.Key(), ErrAlreadyRunning)
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	r.logger.Info("job enqueued", "key", job.Key(), "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (r *AsynqRunner) State(ctx context.Context, job Job) (JobState, bool) {
	info, err := r.inspector.GetTaskInfo(r.queue, job.Key())
	if err != nil {
		return "", false
	}
	switch info.State {
	case asynq.TaskStateActive:
		return JobRunning, true
	case asynq.TaskStateCompleted:
		return JobSucceeded, true
	case asynq.TaskStateArchived:
		return JobFailed, true
	}
	return JobSubmitted, true
}

func (r *AsynqRunner) CancelProject(ctx context.Context, projectID string) {
	for _, kind := range []JobKind{JobStoryboard, JobClips} {
		key := Job{Kind: kind, ProjectID: projectID}.Key()
		state, ok := r.State(ctx, Job{Kind: kind, ProjectID: projectID})
		if !ok {
			continue
		}
		var err error
		if state == JobRunning {
			err = r.inspector.CancelProcessing(key)
		} else {
			err = r.inspector.DeleteTask(r.queue, key)
		}
		if err != nil {
			r.logger.Warn("cancel task failed", "key", key, "error", err)
		}
	}
}

func (r *AsynqRunner) Shutdown(ctx context.Context) error {
	if r.processor != nil {
		r.processor.Shutdown()
	}
	_ = r.inspector.Close()
	return r.client.Close()
}
