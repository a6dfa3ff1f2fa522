package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Processor consumes job tasks from Redis and hands them to the handler.
type Processor struct {
	srv     *asynq.Server
	handler JobHandler
	logger  *slog.Logger
}

func NewProcessor(opt asynq.RedisClientOpt, concurrency int, handler JobHandler, logger *slog.Logger) *Processor {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			defaultQueue: 1,
		},
	})
	return &Processor{srv: srv, handler: handler, logger: logger.With("component", "processor")}
}

// StartProcessor starts consuming in the background.
func (p *Processor) StartProcessor() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunJob, p.HandleRunJob)
	p.logger.Info("starting task processor")
	return p.srv.Start(mux)
}

// HandleRunJob decodes the job and runs it. Failures are not retried by the
// queue; generation retries happen inside the pipeline.
func (p *Processor) HandleRunJob(ctx context.Context, t *asynq.Task) error {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	p.logger.Info("processing job", "key", job.Key())
	if err := p.handler(ctx, job); err != nil {
		return fmt.Errorf("job %s: %v: %w", job.Key(), err, asynq.SkipRetry)
	}
	return nil
}

func (p *Processor) Shutdown() {
	p.srv.Shutdown()
}
