package domain

import "errors"

var (
	// ErrBusy is returned when the concurrency gate is at the node's limit.
	// The agent never queues; queueing policy belongs to the coordinator.
	ErrBusy = errors.New("agent at maximum concurrent jobs")

	// ErrJobNotFound is returned when a job id is unknown to this agent
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job id was already accepted
	ErrDuplicateJob = errors.New("job already accepted")
)
