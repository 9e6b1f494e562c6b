package domain

import "errors"

var (
	// ErrCapacityExceeded is returned when the ledger refuses admission and
	// the overflow policy rejects instead of queueing
	ErrCapacityExceeded = errors.New("global backup capacity exceeded")

	// ErrQueueFull is returned when the admission queue is at its configured depth
	ErrQueueFull = errors.New("admission queue is full")

	// ErrNodeUnreachable is returned when an agent cannot be contacted
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrAgentBusy is returned when an agent refuses a job at its local limit
	ErrAgentBusy = errors.New("agent at capacity")

	// ErrJobRejected is returned when an agent refuses a job permanently
	// (invalid request rather than transient load); retrying the same job
	// on another node cannot succeed
	ErrJobRejected = errors.New("job rejected by agent")

	// ErrNoAvailableNode is returned when every dispatch attempt was exhausted
	ErrNoAvailableNode = errors.New("no available node")

	// ErrJobNotFound is returned when a job id is unknown to the dispatcher
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancelable is returned when cancellation is requested for a
	// job that already reached a terminal state
	ErrJobNotCancelable = errors.New("job is not cancelable")
)
