package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/storagefleet/backup-fleet/internal/coordinator/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "backup-coordinator",
		})
	})

	backupHandler := handler.NewBackupHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		backups := v1.Group("/backups")
		{
			// POST /api/v1/backups - Submit a backup request
			backups.POST("", backupHandler.SubmitBackup)

			// GET /api/v1/backups - List all tracked jobs
			backups.GET("", backupHandler.ListBackups)

			// GET /api/v1/backups/history - List archived terminal jobs
			backups.GET("/history", backupHandler.ListHistory)

			// GET /api/v1/backups/:job_id - Get job details
			backups.GET("/:job_id", backupHandler.GetBackup)

			// POST /api/v1/backups/:job_id/cancel - Cancel a job
			backups.POST("/:job_id/cancel", backupHandler.CancelBackup)
		}

		// GET /api/v1/fleet - Fleet capacity overview
		v1.GET("/fleet", backupHandler.GetFleet)
	}

	return r
}
