package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ViralLaunch-server/models"

	"github.com/nats-io/nats.go"
)

// RunUpdate is the message published for every run snapshot.
type RunUpdate struct {
	RunID     string           `json:"run_id"`
	ProjectID string           `json:"project_id"`
	Kind      models.RunKind   `json:"kind"`
	Phase     models.Phase     `json:"phase"`
	Status    models.RunStatus `json:"status"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Progress  float64          `json:"progress"`
	Error     string           `json:"error,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// NATSNotifier forwards run snapshots to NATS.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewNATSNotifier(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{nc: nc, prefix: prefix, logger: logger.With("component", "nats_notifier")}
}

// Subject is the subject a run's updates are published on.
func (n *NATSNotifier) Subject(runID string) string {
	return n.prefix + "." + strings.ReplaceAll(runID, "/", ".")
}

func (n *NATSNotifier) Publish(ctx context.Context, run *models.Run) error {
	update := RunUpdate{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Kind:      run.Kind,
		Phase:     run.Phase,
		Status:    run.Status,
		Total:     run.Total,
		Completed: run.Completed,
		Failed:    run.Failed,
		Progress:  run.Progress,
		Error:     run.Error,
		Timestamp: run.UpdatedAt.Unix(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal run update: %w", err)
	}
	subject := n.Subject(run.ID)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish run update: %w", err)
	}
	n.logger.DebugContext(ctx, "run update sent", "subject", subject, "phase", run.Phase, "progress", run.Progress)
	return nil
}

// Run publishes every snapshot committed to the store until ctx is done.
func (n *NATSNotifier) Run(ctx context.Context, store *StatusStore) {
	updates, cancel := store.Subscribe("")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-updates:
			if err := n.Publish(ctx, run); err != nil {
				n.logger.WarnContext(ctx, "publish failed", "run_id", run.ID, "error", err)
			}
		}
	}
}
