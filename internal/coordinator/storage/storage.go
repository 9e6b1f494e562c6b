package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/shared/postgresql"
)

// schema is applied on startup; idempotent so restarts are safe
const schema = `
	CREATE TABLE IF NOT EXISTS finished_jobs (
		job_id       TEXT PRIMARY KEY,
		source_path  TEXT NOT NULL,
		client_ref   TEXT NOT NULL DEFAULT '',
		node         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		failure_kind TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		archive_path TEXT NOT NULL DEFAULT '',
		size_bytes   BIGINT NOT NULL DEFAULT 0,
		file_count   INT NOT NULL DEFAULT 0,
		retry_count  INT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL,
		finished_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_finished_jobs_finished_at
		ON finished_jobs (finished_at DESC);
	CREATE INDEX IF NOT EXISTS idx_finished_jobs_source_path
		ON finished_jobs (source_path);
`

// FinishedJob is the persisted history row for one terminal job
type FinishedJob struct {
	JobID       string    `db:"job_id" json:"job_id"`
	SourcePath  string    `db:"source_path" json:"source_path"`
	ClientRef   string    `db:"client_ref" json:"client_ref,omitempty"`
	Node        string    `db:"node" json:"node,omitempty"`
	Status      string    `db:"status" json:"status"`
	FailureKind string    `db:"failure_kind" json:"failure_kind,omitempty"`
	Error       string    `db:"error" json:"error,omitempty"`
	ArchivePath string    `db:"archive_path" json:"archive_path,omitempty"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	FileCount   int       `db:"file_count" json:"file_count"`
	RetryCount  int       `db:"retry_count" json:"retry_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	FinishedAt  time.Time `db:"finished_at" json:"finished_at"`
}

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// EnsureSchema creates the history table if it does not exist yet
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure history schema: %w", err)
	}
	return nil
}

// ArchiveJob records one terminal job. A duplicate job_id is overwritten,
// which keeps re-archival after a coordinator restart harmless.
func (s *Storage) ArchiveJob(ctx context.Context, job *domain.Job) error {
	row := FinishedJob{
		JobID:       job.JobID,
		SourcePath:  job.Request.Path,
		ClientRef:   job.Request.ClientRef,
		Node:        job.Node,
		Status:      job.Status,
		FailureKind: job.FailureKind,
		Error:       job.Error,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	}
	if job.Result != nil {
		row.ArchivePath = job.Result.ArchivePath
		row.SizeBytes = job.Result.SizeBytes
		row.FileCount = job.Result.FileCount
	}

	query := `
		INSERT INTO finished_jobs (
			job_id, source_path, client_ref, node, status,
			failure_kind, error, archive_path, size_bytes,
			file_count, retry_count, created_at, finished_at
		) VALUES (
			:job_id, :source_path, :client_ref, :node, :status,
			:failure_kind, :error, :archive_path, :size_bytes,
			:file_count, :retry_count, :created_at, :finished_at
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status       = EXCLUDED.status,
			failure_kind = EXCLUDED.failure_kind,
			error        = EXCLUDED.error,
			archive_path = EXCLUDED.archive_path,
			size_bytes   = EXCLUDED.size_bytes,
			file_count   = EXCLUDED.file_count,
			finished_at  = EXCLUDED.finished_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	return nil
}

// HistoryFilter narrows a history query
type HistoryFilter struct {
	SourcePath string
	Status     string
	Limit      int
}

// ListFinishedJobs returns archived terminal jobs, newest first
func (s *Storage) ListFinishedJobs(ctx context.Context, filter HistoryFilter) ([]FinishedJob, error) {
	query := `
		SELECT
			job_id, source_path, client_ref, node, status,
			failure_kind, error, archive_path, size_bytes,
			file_count, retry_count, created_at, finished_at
		FROM finished_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.SourcePath != "" {
		query += fmt.Sprintf(" AND source_path = $%d", argIdx)
		args = append(args, filter.SourcePath)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	query += " ORDER BY finished_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.Limit)

	var jobs []FinishedJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list finished jobs: %w", err)
	}

	return jobs, nil
}

// GetFinishedJob returns one archived job, or sql.ErrNoRows when absent
func (s *Storage) GetFinishedJob(ctx context.Context, jobID string) (*FinishedJob, error) {
	var job FinishedJob
	query := `
		SELECT
			job_id, source_path, client_ref, node, status,
			failure_kind, error, archive_path, size_bytes,
			file_count, retry_count, created_at, finished_at
		FROM finished_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get finished job: %w", err)
	}

	return &job, nil
}
