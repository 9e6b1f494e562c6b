package handler

import (
	"log/slog"

	"github.com/storagefleet/backup-fleet/internal/agent/runner"
)

// Dependencies holds everything the agent handlers need
type Dependencies struct {
	Logger   *slog.Logger
	Runner   *runner.Runner
	NodeName string
	DataRoot string
}

// JobHandler handles job execution HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	runner   *runner.Runner
	nodeName string
	dataRoot string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		runner:   deps.Runner,
		nodeName: deps.NodeName,
		dataRoot: deps.DataRoot,
	}
}
