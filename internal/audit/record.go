package audit

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Status is the terminal outcome of a job execution
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the durable row written once per terminal job execution.
// Records are never updated or deleted.
type Record struct {
	ID              string         `db:"id" json:"id"`
	Queue           string         `db:"queue" json:"queue"`
	QueueID         string         `db:"queue_id" json:"queue_id"`
	Attempt         int            `db:"attempt" json:"attempt"`
	Name            string         `db:"name" json:"name"`
	Data            types.JSONText `db:"data" json:"data"`
	TraceID         *string        `db:"trace_id" json:"trace_id"`
	Status          Status         `db:"status" json:"status"`
	Result          types.JSONText `db:"result" json:"result"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ShouldExecuteAt time.Time      `db:"should_execute_at" json:"should_execute_at"`
	ExecutedAt      time.Time      `db:"executed_at" json:"executed_at"`
	CompletedAt     time.Time      `db:"completed_at" json:"completed_at"`
}

// Filter narrows an audit listing
type Filter struct {
	Queue    string
	Name     string
	Status   Status
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last row of a page; rows are ordered newest first
type Cursor struct {
	CompletedAt time.Time
	ID          string
}

// DecodeCursor parses an opaque page cursor; an empty string means the
// first page
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return &Cursor{CompletedAt: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}

// Encode renders the cursor as an opaque URL-safe string
func (c *Cursor) Encode() string {
	s := fmt.Sprintf("%d|%s", c.CompletedAt.UnixNano(), c.ID)
	return base64.URLEncoding.EncodeToString([]byte(s))
}
