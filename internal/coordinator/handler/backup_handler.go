package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/internal/coordinator/storage"
)

// SubmitBackup handles POST /api/v1/backups
func (h *BackupHandler) SubmitBackup(c *gin.Context) {
	var req struct {
		Path      string `json:"path" binding:"required"`
		ClientRef string `json:"client_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "path is required",
		})
		return
	}

	if err := h.validatePath(req.Path); err != nil {
		h.logger.Warn("Backup request with invalid path",
			slog.String("path", req.Path),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	job, err := h.dispatcher.Submit(domain.BackupRequest{
		Path:        filepath.Clean(req.Path),
		ClientRef:   req.ClientRef,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": err.Error(),
			})
		default:
			h.logger.Error("Failed to submit backup", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to submit backup",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, jobResponse(job))
}

// GetBackup handles GET /api/v1/backups/:job_id
func (h *BackupHandler) GetBackup(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.dispatcher.GetJob(jobID)
	if err != nil {
		// Terminal jobs evicted from the in-memory table remain queryable
		// through the history store, keeping repeated status queries
		// answerable past the retention window.
		if h.storage != nil {
			if finished, histErr := h.storage.GetFinishedJob(c.Request.Context(), jobID); histErr == nil {
				c.JSON(http.StatusOK, finishedJobResponse(finished))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, jobResponse(job))
}

// ListBackups handles GET /api/v1/backups
func (h *BackupHandler) ListBackups(c *gin.Context) {
	jobs := h.dispatcher.ListJobs()

	out := make([]gin.H, len(jobs))
	for i := range jobs {
		out[i] = jobResponse(&jobs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs": out,
	})
}

// CancelBackup handles POST /api/v1/backups/:job_id/cancel
func (h *BackupHandler) CancelBackup(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.dispatcher.Cancel(jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": jobID,
		})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.Is(err, domain.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already finished",
		})
	default:
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to cancel job",
		})
	}
}

// ListHistory handles GET /api/v1/backups/history
func (h *BackupHandler) ListHistory(c *gin.Context) {
	if h.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "history store not configured",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	jobs, err := h.storage.ListFinishedJobs(c.Request.Context(), storage.HistoryFilter{
		SourcePath: c.Query("path"),
		Status:     c.Query("status"),
		Limit:      limit,
	})
	if err != nil {
		h.logger.Error("Failed to list history", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs": jobs,
	})
}

// GetFleet handles GET /api/v1/fleet
func (h *BackupHandler) GetFleet(c *gin.Context) {
	nodes := h.registry.Snapshot()

	out := make([]gin.H, len(nodes))
	for i, n := range nodes {
		out[i] = gin.H{
			"name":           n.Name,
			"address":        n.Address,
			"port":           n.Port,
			"max_concurrent": n.MaxConcurrent,
			"assigned":       n.Assigned,
			"active_slots":   n.ActiveSlots,
			"healthy":        n.Healthy,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": out,
	})
}

// validatePath rejects paths outside the configured data root before any
// job state is created
func (h *BackupHandler) validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return errors.New("path must be absolute")
	}

	cleaned := filepath.Clean(path)
	root := filepath.Clean(h.dataRoot)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return errors.New("path is outside the backup data root")
	}

	return nil
}

func finishedJobResponse(job *storage.FinishedJob) gin.H {
	resp := gin.H{
		"job_id":      job.JobID,
		"path":        job.SourcePath,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
		"finished_at": job.FinishedAt,
	}
	if job.ClientRef != "" {
		resp["client_ref"] = job.ClientRef
	}
	if job.Node != "" {
		resp["node"] = job.Node
	}
	if job.FailureKind != "" {
		resp["failure_kind"] = job.FailureKind
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.ArchivePath != "" {
		resp["result"] = gin.H{
			"archive_path": job.ArchivePath,
			"size_bytes":   job.SizeBytes,
			"file_count":   job.FileCount,
		}
	}
	return resp
}

func jobResponse(job *domain.Job) gin.H {
	resp := gin.H{
		"job_id":      job.JobID,
		"path":        job.Request.Path,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
	}
	if job.Request.ClientRef != "" {
		resp["client_ref"] = job.Request.ClientRef
	}
	if job.Node != "" {
		resp["node"] = job.Node
	}
	if !job.StartedAt.IsZero() {
		resp["started_at"] = job.StartedAt
	}
	if !job.FinishedAt.IsZero() {
		resp["finished_at"] = job.FinishedAt
	}
	if job.FailureKind != "" {
		resp["failure_kind"] = job.FailureKind
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	return resp
}
