package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storagefleet/backup-fleet/internal/agent/domain"
	"github.com/storagefleet/backup-fleet/shared/rabbitmq"
)

// Publisher pushes terminal job reports onto the completion exchange so
// the coordinator learns about finished jobs without polling
type Publisher struct {
	client   *rabbitmq.Client
	nodeName string
	logger   *slog.Logger
}

// NewPublisher wraps a connected RabbitMQ client
func NewPublisher(client *rabbitmq.Client, nodeName string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		nodeName: nodeName,
		logger:   logger,
	}
}

// event is the wire format of one completion report
type event struct {
	JobID       string         `json:"job_id"`
	Node        string         `json:"node"`
	Status      string         `json:"status"`
	FailureKind string         `json:"failure_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      *domain.Result `json:"result,omitempty"`
}

// PublishJobResult publishes one terminal job state. The report is a
// hint, not the source of truth; the coordinator's poll and deadline
// paths cover a lost message.
func (p *Publisher) PublishJobResult(ctx context.Context, state *domain.JobState) error {
	body, err := json.Marshal(event{
		JobID:       state.JobID,
		Node:        p.nodeName,
		Status:      state.Status,
		FailureKind: state.FailureKind,
		Error:       state.Error,
		Result:      state.Result,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job result: %w", err)
	}

	p.logger.Debug("Job result published",
		slog.String("job_id", state.JobID),
		slog.String("status", state.Status),
	)

	return nil
}
