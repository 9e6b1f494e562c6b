package handler

import (
	"context"
	"log/slog"

	"github.com/storagefleet/backup-fleet/internal/coordinator/dispatcher"
	"github.com/storagefleet/backup-fleet/internal/coordinator/registry"
	"github.com/storagefleet/backup-fleet/internal/coordinator/storage"
)

// HistoryStore serves archived terminal jobs. Satisfied by
// storage.Storage; nil when no history database is configured.
type HistoryStore interface {
	GetFinishedJob(ctx context.Context, jobID string) (*storage.FinishedJob, error)
	ListFinishedJobs(ctx context.Context, filter storage.HistoryFilter) ([]storage.FinishedJob, error)
}

// Dependencies holds everything the coordinator handlers need
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
	Storage    HistoryStore
	DataRoot   string
}

// BackupHandler handles backup job HTTP requests
type BackupHandler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	storage    HistoryStore
	dataRoot   string
}

// NewBackupHandler creates a new BackupHandler instance
func NewBackupHandler(deps *Dependencies) *BackupHandler {
	return &BackupHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		storage:    deps.Storage,
		dataRoot:   deps.DataRoot,
	}
}
