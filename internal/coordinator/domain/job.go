package domain

import "time"

// Job state constants. A job moves forward only:
// PENDING -> DISPATCHED -> RUNNING -> COMPLETED/FAILED, with LOST as the
// terminal state for jobs that never reported back and CANCELED for jobs
// withdrawn before dispatch.
const (
	JobStatusPending    = "PENDING"
	JobStatusDispatched = "DISPATCHED"
	JobStatusRunning    = "RUNNING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusLost       = "LOST"
	JobStatusCanceled   = "CANCELED"
)

// Failure kinds recorded on terminal jobs
const (
	FailureExecutionFailed  = "execution_failed"
	FailureExecutionTimeout = "execution_timeout"
	FailureNoAvailableNode  = "no_available_node"
	FailureJobLost          = "job_lost"
)

// BackupRequest is the immutable client request a job is created from
type BackupRequest struct {
	Path        string
	ClientRef   string
	SubmittedAt time.Time
}

// Result holds the outcome metadata reported by an agent
type Result struct {
	ArchivePath string        `json:"archive_path,omitempty"`
	SizeBytes   int64         `json:"size_bytes"`
	FileCount   int           `json:"file_count"`
	Duration    time.Duration `json:"duration"`
}

// Job is the coordinator's lifecycle record for one backup request.
// It is owned exclusively by the dispatcher; agents only ever see the
// job-execution request derived from it.
type Job struct {
	JobID       string
	Request     BackupRequest
	Node        string
	Status      string
	RetryCount  int
	FailureKind string
	Error       string
	Result      *Result
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	// Admitted records whether this job holds a unit of ledger capacity.
	// Queued jobs canceled before admission must not release the ledger.
	Admitted bool
}

// AgentJobStatus is an agent's reported view of one job, as decoded from
// a status poll or a push notification
type AgentJobStatus struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Error       string  `json:"error,omitempty"`
	Result      *Result `json:"result,omitempty"`
}

var validTransitions = map[string][]string{
	JobStatusPending:    {JobStatusDispatched, JobStatusFailed, JobStatusCanceled},
	JobStatusDispatched: {JobStatusRunning, JobStatusFailed, JobStatusLost},
	JobStatusRunning:    {JobStatusCompleted, JobStatusFailed, JobStatusLost},
}

// CanTransition reports whether a state change is allowed by the
// forward-only lifecycle.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in the given state is finished and will
// never change again.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusLost, JobStatusCanceled:
		return true
	}
	return false
}
