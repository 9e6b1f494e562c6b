package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
)

// RunMonitor drives the periodic lifecycle work: the deadline watchdog,
// status polling when no push channel is configured, and eviction of old
// terminal jobs. It blocks until ctx is canceled.
func (d *Dispatcher) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("Job monitor started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Bool("polling", d.cfg.Poll),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Job monitor stopped")
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	now := time.Now()

	type probe struct {
		jobID string
		node  string
	}

	var expired []string
	var toPoll []probe

	d.mu.Lock()
	for id, tr := range d.jobs {
		switch tr.job.Status {
		case domain.JobStatusDispatched, domain.JobStatusRunning:
			if !tr.deadline.IsZero() && now.After(tr.deadline) {
				expired = append(expired, id)
			} else if d.cfg.Poll && tr.job.Status == domain.JobStatusRunning {
				toPoll = append(toPoll, probe{jobID: id, node: tr.job.Node})
			}
		}
	}
	d.mu.Unlock()

	// The deadline marks the job lost regardless of what the agent is
	// still doing. A late completion report is ignored by finalize.
	for _, id := range expired {
		d.logger.Warn("Job deadline expired",
			slog.String("job_id", id),
		)
		d.finalize(id, domain.JobStatusLost, domain.FailureJobLost, "no completion report before deadline", nil)
	}

	for _, p := range toPoll {
		d.pollJob(ctx, p.jobID, p.node)
	}

	if d.cfg.RetentionWindow > 0 {
		d.evictTerminal(now)
	}
}

// pollJob asks the assigned agent for a job's status and resolves any
// terminal answer
func (d *Dispatcher) pollJob(ctx context.Context, jobID, nodeName string) {
	node, ok := d.lookupNode(nodeName)
	if !ok {
		return
	}

	status, err := d.client.GetJobStatus(ctx, node.Address, node.Port, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// The agent lost track of the job. Treat as a failed run; the
			// deadline watchdog stays as a backstop if this races a report.
			d.finalize(jobID, domain.JobStatusFailed, domain.FailureExecutionFailed, "agent no longer tracks job", nil)
			return
		}
		d.logger.Debug("Status poll failed",
			slog.String("job_id", jobID),
			slog.String("node", nodeName),
			slog.Any("error", err),
		)
		return
	}

	d.Resolve(status)
}

// evictTerminal drops terminal jobs older than the retention window from
// the in-memory table. Archived history survives in the store.
func (d *Dispatcher) evictTerminal(now time.Time) {
	cutoff := now.Add(-d.cfg.RetentionWindow)

	d.mu.Lock()
	for id, tr := range d.jobs {
		if domain.IsTerminal(tr.job.Status) && !tr.job.FinishedAt.IsZero() && tr.job.FinishedAt.Before(cutoff) {
			delete(d.jobs, id)
		}
	}
	d.mu.Unlock()
}
