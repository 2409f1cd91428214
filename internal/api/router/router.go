package router

import (
	"log/slog"

	"github.com/cuongbtq/jobkit/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the ops router
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	r.GET("/health", handler.NewHealthHandler(deps).Health)

	v1 := r.Group("/api/v1")
	{
		if deps.Jobs != nil {
			// POST /api/v1/jobs - Enqueue a registered job
			v1.POST("/jobs", handler.NewJobHandler(deps).CreateJob)
		}

		if deps.Audit != nil {
			// GET /api/v1/audit - List audit records
			v1.GET("/audit", handler.NewAuditHandler(deps).ListAudit)
		}
	}

	return r
}
