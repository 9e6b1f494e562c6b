package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/shared/rabbitmq"
)

// Resolver accepts agent completion reports. Satisfied by the dispatcher.
type Resolver interface {
	Resolve(status *domain.AgentJobStatus)
}

// Consumer drains the completion queue and feeds reports into the
// resolver. Resolution is idempotent, so redelivered messages are safe.
type Consumer struct {
	client   *rabbitmq.Client
	resolver Resolver
	logger   *slog.Logger
}

// NewConsumer wraps a connected RabbitMQ client
func NewConsumer(client *rabbitmq.Client, resolver Resolver, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		resolver: resolver,
		logger:   logger,
	}
}

// Run consumes completion events until ctx is canceled or the delivery
// channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.client.Consume("coordinator")
	if err != nil {
		return fmt.Errorf("failed to start completion consumer: %w", err)
	}

	c.logger.Info("Completion consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Completion consumer stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Completion delivery channel closed")
				return nil
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	var report struct {
		JobID       string         `json:"job_id"`
		Node        string         `json:"node"`
		Status      string         `json:"status"`
		FailureKind string         `json:"failure_kind"`
		Error       string         `json:"error"`
		Result      *domain.Result `json:"result"`
	}

	if err := json.Unmarshal(delivery.Body, &report); err != nil {
		c.logger.Error("Failed to parse completion event",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed events are dropped, not requeued
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed event",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if report.JobID == "" || report.Status == "" {
		c.logger.Error("Completion event missing job_id or status",
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK incomplete event",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	c.resolver.Resolve(&domain.AgentJobStatus{
		JobID:       report.JobID,
		Status:      report.Status,
		FailureKind: report.FailureKind,
		Error:       report.Error,
		Result:      report.Result,
	})

	c.logger.Debug("Completion event resolved",
		slog.String("job_id", report.JobID),
		slog.String("node", report.Node),
		slog.String("status", report.Status),
	)

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK completion event",
			slog.String("job_id", report.JobID),
			slog.Any("error", err),
		)
	}
}
