package dto

import "encoding/json"

type CreateJobRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	// Delay is a Go duration such as "10s"
	Delay string `json:"delay"`
	JobID string `json:"job_id"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id,omitempty"`
	Name   string `json:"name"`
	Queued bool   `json:"queued"`
}
