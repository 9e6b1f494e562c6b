package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/storagefleet/backup-fleet/internal/agent/domain"
)

// RunJob handles POST /api/v1/jobs. A full concurrency gate answers 409
// so the coordinator can route the job elsewhere.
func (h *JobHandler) RunJob(c *gin.Context) {
	var spec domain.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid job request body",
		})
		return
	}
	if spec.JobID == "" || spec.SourcePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id and source_path are required",
		})
		return
	}

	if err := h.validatePath(spec.SourcePath); err != nil {
		h.logger.Warn("Job with invalid source path",
			slog.String("job_id", spec.JobID),
			slog.String("source", spec.SourcePath),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	err := h.runner.Accept(spec)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": spec.JobID,
			"status": domain.JobStatusRunning,
			"node":   h.nodeName,
		})
	case errors.Is(err, domain.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "node at capacity",
			"active": h.runner.Active(),
			"max":    h.runner.Max(),
		})
	case errors.Is(err, domain.ErrDuplicateJob):
		// Redelivery of an already-accepted job is not an error
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": spec.JobID,
			"node":   h.nodeName,
		})
	default:
		h.logger.Error("Failed to accept job",
			slog.String("job_id", spec.JobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to accept job",
		})
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	state, err := h.runner.GetJob(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	resp := gin.H{
		"job_id": state.JobID,
		"status": state.Status,
	}
	if state.FailureKind != "" {
		resp["failure_kind"] = state.FailureKind
	}
	if state.Error != "" {
		resp["error"] = state.Error
	}
	if state.Result != nil {
		resp["result"] = state.Result
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.runner.Cancel(jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
	})
}

// GetCapacity handles GET /api/v1/capacity. The coordinator's prober
// uses it as both a liveness and a load signal.
func (h *JobHandler) GetCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":    h.nodeName,
		"active":  h.runner.Active(),
		"max":     h.runner.Max(),
		"healthy": true,
	})
}

func (h *JobHandler) validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return errors.New("source_path must be absolute")
	}

	cleaned := filepath.Clean(path)
	root := filepath.Clean(h.dataRoot)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return errors.New("source_path is outside the node data root")
	}

	return nil
}
