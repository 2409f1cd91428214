package dto

import "encoding/json"

type ListAuditRequest struct {
	Queue    string `form:"queue"`
	Name     string `form:"name"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListAuditResponse struct {
	Records    []AuditRecordDTO `json:"records"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type AuditRecordDTO struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	QueueID         string          `json:"queue_id"`
	Attempt         int             `json:"attempt"`
	Name            string          `json:"name"`
	Data            json.RawMessage `json:"data"`
	TraceID         string          `json:"trace_id,omitempty"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result"`
	CreatedAt       string          `json:"created_at"`
	ShouldExecuteAt string          `json:"should_execute_at"`
	ExecutedAt      string          `json:"executed_at"`
	CompletedAt     string          `json:"completed_at"`
}
