package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/storagefleet/backup-fleet/internal/agent/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "backup-agent",
			"node":    deps.NodeName,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Accept a job for execution
			jobs.POST("", jobHandler.RunJob)

			// GET /api/v1/jobs/:job_id - Get execution state
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Abort a running job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/capacity - Liveness and load probe
		v1.GET("/capacity", jobHandler.GetCapacity)
	}

	return r
}
