package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/cuongbtq/jobkit/internal/jobs"
)

// Enqueuer submits jobs by registered name
type Enqueuer interface {
	QueueJobByName(ctx context.Context, name string, data json.RawMessage, opts ...jobs.EnqueueOption) (string, error)
}

// AuditLister pages through stored audit records
type AuditLister interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Record, *audit.Cursor, error)
}

// CheckFunc is one named health check
type CheckFunc func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service string
	Jobs    Enqueuer
	Audit   AuditLister
	Checks  map[string]CheckFunc
}

// JobHandler handles manual job submission
type JobHandler struct {
	logger *slog.Logger
	jobs   Enqueuer
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// AuditHandler serves the audit trail
type AuditHandler struct {
	logger *slog.Logger
	audit  AuditLister
}

func NewAuditHandler(deps *Dependencies) *AuditHandler {
	return &AuditHandler{
		logger: deps.Logger,
		audit:  deps.Audit,
	}
}

// HealthHandler reports dependency reachability
type HealthHandler struct {
	logger  *slog.Logger
	service string
	checks  map[string]CheckFunc
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		service: deps.Service,
		checks:  deps.Checks,
	}
}
