package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobkit/internal/api/dto"
	"github.com/cuongbtq/jobkit/internal/jobs"
	"github.com/gin-gonic/gin"
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a registered job by name
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	var opts []jobs.EnqueueOption
	if req.Delay != "" {
		delay, err := time.ParseDuration(req.Delay)
		if err != nil || delay < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "delay must be a non-negative duration",
			})
			return
		}
		opts = append(opts, jobs.WithDelay(delay))
	}
	if req.JobID != "" {
		opts = append(opts, jobs.WithJobID(req.JobID))
	}

	id, err := h.jobs.QueueJobByName(c.Request.Context(), req.Name, req.Payload, opts...)
	if err != nil {
		var unknown *jobs.UnknownJobError
		var failure *jobs.EnqueueFailure
		switch {
		case errors.As(err, &unknown):
			c.JSON(http.StatusNotFound, gin.H{
				"error": unknown.Error(),
			})
		case errors.As(err, &failure):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Failed to enqueue job",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to enqueue job",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:  id,
		Name:   req.Name,
		Queued: id != "",
	})
}
