package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS job_audit_records (
		id                TEXT PRIMARY KEY,
		queue             TEXT NOT NULL,
		queue_id          TEXT NOT NULL,
		attempt           INTEGER NOT NULL,
		name              TEXT NOT NULL,
		data              JSONB NOT NULL,
		trace_id          TEXT,
		status            TEXT NOT NULL CHECK (status IN ('completed', 'failed')),
		result            JSONB NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		should_execute_at TIMESTAMPTZ NOT NULL,
		executed_at       TIMESTAMPTZ NOT NULL,
		completed_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_audit_records_queue ON job_audit_records (queue)`,
	`CREATE INDEX IF NOT EXISTS idx_job_audit_records_completed ON job_audit_records (completed_at DESC, id DESC)`,
	// a broker id can be reused once pruned; created_at tells executions apart
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_audit_records_execution ON job_audit_records (queue, queue_id, created_at)`,
}

const insertRecord = `
	INSERT INTO job_audit_records (
		id, queue, queue_id, attempt, name,
		data, trace_id, status, result,
		created_at, should_execute_at, executed_at, completed_at
	) VALUES (
		:id, :queue, :queue_id, :attempt, :name,
		:data, :trace_id, :status, :result,
		:created_at, :should_execute_at, :executed_at, :completed_at
	)
	ON CONFLICT (queue, queue_id, created_at) DO NOTHING
`

// Store persists audit records in PostgreSQL
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the audit table and its indexes
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate audit schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save inserts rec. A record already written for the same broker
// execution is left untouched and Save reports created=false.
func (s *Store) Save(ctx context.Context, rec *Record) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, insertRecord, rec)
	if err != nil {
		return false, fmt.Errorf("failed to save audit record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// List returns one page of records, newest first, and the cursor of the
// next page when more rows exist
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, *Cursor, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := `
		SELECT
			id, queue, queue_id, attempt, name,
			data, trace_id, status, result,
			created_at, should_execute_at, executed_at, completed_at
		FROM job_audit_records
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, filter.Queue)
		argIdx++
	}

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIdx)
		args = append(args, filter.Name)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (completed_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CompletedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY completed_at DESC, id DESC"

	// one extra row tells whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	var next *Cursor
	if len(records) > pageSize {
		records = records[:pageSize]
		last := records[len(records)-1]
		next = &Cursor{CompletedAt: last.CompletedAt, ID: last.ID}
	}
	return records, next, nil
}
