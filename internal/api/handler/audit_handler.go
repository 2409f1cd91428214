package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobkit/internal/api/dto"
	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/gin-gonic/gin"
)

// ListAudit handles GET /api/v1/audit
// Lists audit records newest first with cursor pagination
func (h *AuditHandler) ListAudit(c *gin.Context) {
	var req dto.ListAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := audit.Status(req.Status)
	if status != "" && status != audit.StatusCompleted && status != audit.StatusFailed {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be completed or failed",
		})
		return
	}

	cursor, err := audit.DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	records, next, err := h.audit.List(c.Request.Context(), audit.Filter{
		Queue:    req.Queue,
		Name:     req.Name,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list audit records", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list audit records",
		})
		return
	}

	resp := dto.ListAuditResponse{Records: make([]dto.AuditRecordDTO, len(records))}
	for i, rec := range records {
		resp.Records[i] = toRecordDTO(rec)
	}
	if next != nil {
		resp.NextCursor = next.Encode()
	}

	c.JSON(http.StatusOK, resp)
}

func toRecordDTO(rec audit.Record) dto.AuditRecordDTO {
	out := dto.AuditRecordDTO{
		ID:              rec.ID,
		Queue:           rec.Queue,
		QueueID:         rec.QueueID,
		Attempt:         rec.Attempt,
		Name:            rec.Name,
		Data:            json.RawMessage(rec.Data),
		Status:          string(rec.Status),
		Result:          json.RawMessage(rec.Result),
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339Nano),
		ShouldExecuteAt: rec.ShouldExecuteAt.Format(time.RFC3339Nano),
		ExecutedAt:      rec.ExecutedAt.Format(time.RFC3339Nano),
		CompletedAt:     rec.CompletedAt.Format(time.RFC3339Nano),
	}
	if rec.TraceID != nil {
		out.TraceID = *rec.TraceID
	}
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}
	if len(out.Result) == 0 {
		out.Result = json.RawMessage("null")
	}
	return out
}
