package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/storagefleet/backup-fleet/internal/agent/domain"
	"github.com/storagefleet/backup-fleet/internal/agent/gate"
	"github.com/storagefleet/backup-fleet/internal/backup"
)

// Backend performs the actual backup work for one source path
type Backend interface {
	Create(ctx context.Context, sourcePath string) (*backup.Info, error)
	Prune(sourcePath string, keep int) (int, error)
}

// Publisher pushes terminal job reports to the coordinator. May be nil
// when the deployment runs in poll mode.
type Publisher interface {
	PublishJobResult(ctx context.Context, state *domain.JobState) error
}

// Config holds per-node execution settings
type Config struct {
	JobTimeout      time.Duration
	RetainPerSource int
	StateRetention  time.Duration
}

// Runner executes accepted jobs asynchronously, one goroutine per job,
// admission controlled by the node's concurrency gate. Finished jobs stay
// queryable until the coordinator has had a chance to collect them.
type Runner struct {
	cfg       Config
	gate      *gate.Gate
	backend   Backend
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*domain.JobState
	cancels map[string]context.CancelFunc
}

// New creates a runner. publisher may be nil.
func New(cfg Config, g *gate.Gate, backend Backend, publisher Publisher, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		gate:      g,
		backend:   backend,
		publisher: publisher,
		logger:    logger,
		jobs:      make(map[string]*domain.JobState),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Accept admits a job through the gate and starts it in the background.
// A full gate returns ErrBusy without touching any state; a duplicate
// job id is refused so a redelivered request cannot run twice.
func (r *Runner) Accept(spec domain.JobSpec) error {
	r.mu.Lock()
	if _, exists := r.jobs[spec.JobID]; exists {
		r.mu.Unlock()
		return domain.ErrDuplicateJob
	}
	r.mu.Unlock()

	if !r.gate.TryAcquire() {
		return domain.ErrBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)

	state := &domain.JobState{
		JobID:      spec.JobID,
		SourcePath: spec.SourcePath,
		Status:     domain.JobStatusRunning,
		StartedAt:  time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.jobs[spec.JobID]; exists {
		r.mu.Unlock()
		cancel()
		r.gate.Release()
		return domain.ErrDuplicateJob
	}
	r.jobs[spec.JobID] = state
	r.cancels[spec.JobID] = cancel
	r.mu.Unlock()

	r.logger.Info("Job accepted",
		slog.String("job_id", spec.JobID),
		slog.String("source", spec.SourcePath),
		slog.Int("active", r.gate.Active()),
	)

	go r.execute(ctx, cancel, spec)
	return nil
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, spec domain.JobSpec) {
	defer cancel()
	defer r.gate.Release()

	info, err := r.backend.Create(ctx, spec.SourcePath)

	r.mu.Lock()
	state := r.jobs[spec.JobID]
	state.FinishedAt = time.Now()
	delete(r.cancels, spec.JobID)

	if err != nil {
		state.Status = domain.JobStatusFailed
		state.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state.FailureKind = domain.FailureExecutionTimeout
		} else {
			state.FailureKind = domain.FailureExecutionFailed
		}
	} else {
		state.Status = domain.JobStatusCompleted
		state.Result = &domain.Result{
			ArchivePath: info.Path,
			SizeBytes:   info.SizeBytes,
			FileCount:   info.FileCount,
			Duration:    info.Duration,
		}
	}
	report := *state
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Job failed",
			slog.String("job_id", spec.JobID),
			slog.String("failure_kind", report.FailureKind),
			slog.Any("error", err),
		)
	} else {
		r.logger.Info("Job completed",
			slog.String("job_id", spec.JobID),
			slog.String("archive", report.Result.ArchivePath),
			slog.Int64("size_bytes", report.Result.SizeBytes),
		)
		r.pruneOld(spec.SourcePath)
	}

	r.notify(&report)
}

// pruneOld enforces the keep-last-N retention for a source after a
// successful run
func (r *Runner) pruneOld(sourcePath string) {
	if r.cfg.RetainPerSource <= 0 {
		return
	}
	removed, err := r.backend.Prune(sourcePath, r.cfg.RetainPerSource)
	if err != nil {
		r.logger.Warn("Retention prune failed",
			slog.String("source", sourcePath),
			slog.Any("error", err),
		)
		return
	}
	if removed > 0 {
		r.logger.Info("Old archives pruned",
			slog.String("source", sourcePath),
			slog.Int("removed", removed),
		)
	}
}

func (r *Runner) notify(state *domain.JobState) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.publisher.PublishJobResult(ctx, state); err != nil {
		// Poll and the coordinator deadline cover a lost notification
		r.logger.Warn("Failed to publish job result",
			slog.String("job_id", state.JobID),
			slog.Any("error", err),
		)
	}
}

// GetJob returns a copy of one job's state
func (r *Runner) GetJob(jobID string) (*domain.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	stateCopy := *state
	return &stateCopy, nil
}

// Cancel aborts a running job. The job still terminates through execute,
// reporting FAILED, so the gate and state bookkeeping stay consistent.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	if cancel, ok := r.cancels[jobID]; ok {
		cancel()
	}
	return nil
}

// RunJanitor periodically drops terminal job states older than the
// configured retention, so a long-running agent does not accumulate one
// entry per job forever. Entries live long enough for the coordinator's
// poll path to collect them. It blocks until ctx is canceled.
func (r *Runner) RunJanitor(ctx context.Context) {
	if r.cfg.StateRetention <= 0 {
		return
	}

	interval := r.cfg.StateRetention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictFinished(time.Now())
		}
	}
}

func (r *Runner) evictFinished(now time.Time) {
	cutoff := now.Add(-r.cfg.StateRetention)

	r.mu.Lock()
	for id, state := range r.jobs {
		if state.Status != domain.JobStatusRunning && !state.FinishedAt.IsZero() && state.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()
}

// Active returns the number of jobs currently holding a gate slot
func (r *Runner) Active() int {
	return r.gate.Active()
}

// Max returns the node's concurrency limit
func (r *Runner) Max() int {
	return r.gate.Max()
}
