package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/internal/coordinator/ledger"
	"github.com/storagefleet/backup-fleet/internal/coordinator/registry"
)

// NodeClient is the transport the dispatcher uses to talk to agents
type NodeClient interface {
	RunJob(ctx context.Context, address string, port int, jobID, sourcePath string) error
	GetJobStatus(ctx context.Context, address string, port int, jobID string) (*domain.AgentJobStatus, error)
	CancelJob(ctx context.Context, address string, port int, jobID string) error
}

// Archiver persists terminal jobs for history queries. Archiving is best
// effort; a failure never affects the in-memory lifecycle.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *domain.Job) error
}

// Config holds the dispatcher's admission and lifecycle settings
type Config struct {
	QueueDepth      int
	OverflowPolicy  string
	DispatchRetries int
	JobDeadline     time.Duration
	PollInterval    time.Duration
	RetentionWindow time.Duration
	Poll            bool
}

// Dispatcher owns the job table. It admits requests through the capacity
// ledger, fans admitted jobs out to agents, tracks their lifecycle, and
// releases global capacity exactly once per admitted job at its terminal
// transition.
type Dispatcher struct {
	cfg      Config
	ledger   *ledger.Ledger
	registry *registry.Registry
	client   NodeClient
	archive  Archiver
	logger   *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*tracked
	queue     []string
	canceling map[string]bool
}

// tracked pairs a job with its coordinator-side deadline
type tracked struct {
	job      *domain.Job
	deadline time.Time
}

// New creates a dispatcher. archive may be nil when no history store is
// configured.
func New(cfg Config, lgr *ledger.Ledger, reg *registry.Registry, client NodeClient, archive Archiver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		ledger:    lgr,
		registry:  reg,
		client:    client,
		archive:   archive,
		logger:    logger,
		jobs:      make(map[string]*tracked),
		canceling: make(map[string]bool),
	}
}

// transitionLocked applies a state change if the lifecycle allows it.
// Callers must hold d.mu.
func (d *Dispatcher) transitionLocked(job *domain.Job, to string) bool {
	if !domain.CanTransition(job.Status, to) {
		return false
	}
	job.Status = to
	return true
}

// Submit admits a backup request. Refused requests are queued up to the
// configured depth under the queue policy, or rejected outright under the
// reject policy; a full queue always rejects.
func (d *Dispatcher) Submit(req domain.BackupRequest) (*domain.Job, error) {
	job := &domain.Job{
		JobID:     uuid.New().String(),
		Request:   req,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now(),
	}

	if d.ledger.TryAdmit() {
		d.mu.Lock()
		job.Admitted = true
		d.jobs[job.JobID] = &tracked{job: job}
		d.mu.Unlock()

		d.logger.Info("Job admitted",
			slog.String("job_id", job.JobID),
			slog.String("path", req.Path),
			slog.Int("inflight", d.ledger.InFlight()),
		)

		go d.dispatch(job.JobID)
		return d.snapshotJob(job.JobID)
	}

	if d.cfg.OverflowPolicy != "queue" {
		return nil, domain.ErrCapacityExceeded
	}

	d.mu.Lock()
	if len(d.queue) >= d.cfg.QueueDepth {
		d.mu.Unlock()
		return nil, domain.ErrQueueFull
	}
	d.jobs[job.JobID] = &tracked{job: job}
	d.queue = append(d.queue, job.JobID)
	queued := len(d.queue)
	d.mu.Unlock()

	d.logger.Info("Job queued",
		slog.String("job_id", job.JobID),
		slog.String("path", req.Path),
		slog.Int("queue_len", queued),
	)

	return d.snapshotJob(job.JobID)
}

// dispatch drives one admitted job to a node, retrying on a different
// node when an agent is busy or unreachable
func (d *Dispatcher) dispatch(jobID string) {
	d.mu.Lock()
	tr, ok := d.jobs[jobID]
	if !ok || !d.transitionLocked(tr.job, domain.JobStatusDispatched) {
		// Canceled between admission and dispatch; capacity was already
		// released by the cancel path.
		d.mu.Unlock()
		return
	}
	sourcePath := tr.job.Request.Path
	d.mu.Unlock()

	tried := make(map[string]bool)
	attempts := d.cfg.DispatchRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		node, ok := registry.SelectNode(d.registry.Snapshot(), tried)
		if !ok {
			break
		}
		tried[node.Name] = true

		d.mu.Lock()
		tr.job.Node = node.Name
		if attempt > 0 {
			tr.job.RetryCount++
		}
		d.mu.Unlock()

		err := d.client.RunJob(context.Background(), node.Address, node.Port, jobID, sourcePath)
		if err == nil {
			d.registry.IncAssigned(node.Name)

			d.mu.Lock()
			d.transitionLocked(tr.job, domain.JobStatusRunning)
			tr.job.StartedAt = time.Now()
			tr.deadline = time.Now().Add(d.cfg.JobDeadline)
			d.mu.Unlock()

			d.logger.Info("Job dispatched",
				slog.String("job_id", jobID),
				slog.String("node", node.Name),
			)
			return
		}

		switch {
		case errors.Is(err, domain.ErrAgentBusy):
			d.logger.Debug("Node busy, trying another",
				slog.String("job_id", jobID),
				slog.String("node", node.Name),
			)
		case errors.Is(err, domain.ErrJobRejected):
			// A permanent refusal would repeat on every node; surface the
			// agent's reason instead of cycling the fleet.
			d.logger.Warn("Job rejected by agent",
				slog.String("job_id", jobID),
				slog.String("node", node.Name),
				slog.Any("error", err),
			)
			d.finalize(jobID, domain.JobStatusFailed, domain.FailureExecutionFailed, err.Error(), nil)
			return
		case errors.Is(err, domain.ErrNodeUnreachable):
			d.registry.MarkUnreachable(node.Name)
			d.logger.Warn("Node unreachable during dispatch",
				slog.String("job_id", jobID),
				slog.String("node", node.Name),
				slog.Any("error", err),
			)
		default:
			d.logger.Error("Dispatch attempt failed",
				slog.String("job_id", jobID),
				slog.String("node", node.Name),
				slog.Any("error", err),
			)
		}
	}

	d.finalize(jobID, domain.JobStatusFailed, domain.FailureNoAvailableNode, domain.ErrNoAvailableNode.Error(), nil)
}

// Resolve applies an agent-reported terminal status to a job. It is
// idempotent: a report for an already-terminal job is ignored, so poll
// and push signals can overlap safely.
func (d *Dispatcher) Resolve(status *domain.AgentJobStatus) {
	switch status.Status {
	case domain.JobStatusCompleted:
		d.finalize(status.JobID, domain.JobStatusCompleted, "", "", status.Result)
	case domain.JobStatusFailed:
		kind := status.FailureKind
		if kind == "" {
			kind = domain.FailureExecutionFailed
		}
		d.finalize(status.JobID, domain.JobStatusFailed, kind, status.Error, nil)
	}
}

// finalize moves a job to a terminal state and releases its ledger
// capacity. The transition check makes it a no-op for jobs that already
// terminated, which is what guarantees exactly-once release.
func (d *Dispatcher) finalize(jobID, status, failureKind, errMsg string, result *domain.Result) {
	d.mu.Lock()
	tr, ok := d.jobs[jobID]
	if !ok || !d.transitionLocked(tr.job, status) {
		d.mu.Unlock()
		return
	}

	tr.job.FailureKind = failureKind
	tr.job.Error = errMsg
	tr.job.Result = result
	tr.job.FinishedAt = time.Now()
	node := tr.job.Node
	// A node only counts as assigned once the job actually started there.
	// A job that failed dispatch carries the last tried node's name but
	// never held a slot on it.
	started := !tr.job.StartedAt.IsZero()
	admitted := tr.job.Admitted
	jobCopy := *tr.job
	delete(d.canceling, jobID)
	d.mu.Unlock()

	if node != "" && started {
		d.registry.DecAssigned(node)
	}

	if admitted {
		d.ledger.Release()
		d.admitNext()
	}

	level := slog.LevelInfo
	if status != domain.JobStatusCompleted {
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
		slog.String("failure_kind", failureKind),
		slog.Int("inflight", d.ledger.InFlight()),
	)

	if d.archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.archive.ArchiveJob(ctx, &jobCopy); err != nil {
				d.logger.Error("Failed to archive terminal job",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}()
	}
}

// admitNext moves queued jobs into dispatch while ledger capacity allows
func (d *Dispatcher) admitNext() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		if !d.ledger.TryAdmit() {
			d.mu.Unlock()
			return
		}

		jobID := d.queue[0]
		d.queue = d.queue[1:]

		tr, ok := d.jobs[jobID]
		if !ok || domain.IsTerminal(tr.job.Status) {
			// Canceled while queued; give the slot back and keep draining
			d.mu.Unlock()
			d.ledger.Release()
			continue
		}
		tr.job.Admitted = true
		d.mu.Unlock()

		d.logger.Info("Queued job admitted",
			slog.String("job_id", jobID),
		)
		go d.dispatch(jobID)
	}
}

// Cancel withdraws a job. Jobs still waiting for admission are canceled
// outright; dispatched or running jobs get a best-effort abort signal to
// their agent and terminate through the normal report or deadline path.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	tr, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return domain.ErrJobNotFound
	}

	switch tr.job.Status {
	case domain.JobStatusPending:
		d.removeFromQueueLocked(jobID)
		d.mu.Unlock()
		d.finalize(jobID, domain.JobStatusCanceled, "", "", nil)
		return nil

	case domain.JobStatusDispatched, domain.JobStatusRunning:
		if d.canceling[jobID] {
			d.mu.Unlock()
			return nil
		}
		d.canceling[jobID] = true
		nodeName := tr.job.Node
		d.mu.Unlock()

		node, ok := d.lookupNode(nodeName)
		if !ok {
			return nil
		}
		go func() {
			if err := d.client.CancelJob(context.Background(), node.Address, node.Port, jobID); err != nil {
				d.logger.Warn("Best-effort cancel failed",
					slog.String("job_id", jobID),
					slog.String("node", nodeName),
					slog.Any("error", err),
				)
			}
		}()
		return nil

	default:
		d.mu.Unlock()
		return domain.ErrJobNotCancelable
	}
}

func (d *Dispatcher) removeFromQueueLocked(jobID string) {
	for i, id := range d.queue {
		if id == jobID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) lookupNode(name string) (registry.Node, bool) {
	for _, n := range d.registry.Snapshot() {
		if n.Name == name {
			return n, true
		}
	}
	return registry.Node{}, false
}

// GetJob returns a copy of one job's current record. Terminal jobs keep
// returning the same result on repeated queries.
func (d *Dispatcher) GetJob(jobID string) (*domain.Job, error) {
	return d.snapshotJob(jobID)
}

func (d *Dispatcher) snapshotJob(jobID string) (*domain.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	jobCopy := *tr.job
	return &jobCopy, nil
}

// ListJobs returns copies of every tracked job, newest first
func (d *Dispatcher) ListJobs() []domain.Job {
	d.mu.Lock()
	out := make([]domain.Job, 0, len(d.jobs))
	for _, tr := range d.jobs {
		out = append(out, *tr.job)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// QueueLen returns the number of jobs waiting for admission
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
