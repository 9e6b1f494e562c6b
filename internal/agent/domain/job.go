package domain

import "time"

// Job status constants for agent-side execution tracking
const (
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Failure kinds reported back to the coordinator
const (
	FailureExecutionFailed  = "execution_failed"
	FailureExecutionTimeout = "execution_timeout"
)

// JobSpec is the execution request an agent receives from the coordinator.
// It deliberately carries only what execution needs, not the coordinator's
// full job record.
type JobSpec struct {
	JobID      string `json:"job_id"`
	SourcePath string `json:"source_path"`
}

// Result is the terminal outcome of one executed job
type Result struct {
	ArchivePath string        `json:"archive_path,omitempty"`
	SizeBytes   int64         `json:"size_bytes"`
	FileCount   int           `json:"file_count"`
	Duration    time.Duration `json:"duration"`
}

// JobState is the agent's view of one accepted job
type JobState struct {
	JobID       string
	SourcePath  string
	Status      string
	FailureKind string
	Error       string
	Result      *Result
	StartedAt   time.Time
	FinishedAt  time.Time
}
