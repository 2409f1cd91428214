package jobs

import (
	"errors"
	"fmt"
)

// ErrRunnerStopped is returned when a start races with shutdown
var ErrRunnerStopped = errors.New("runner is stopped")

// ConfigurationError reports missing or invalid broker connection
// parameters. It is fatal for Runner.Start.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("job broker configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// EnqueueFailure reports that the broker was unreachable or rejected the
// write of a job
type EnqueueFailure struct {
	Job   string
	Queue string
	Err   error
}

func (e *EnqueueFailure) Error() string {
	return fmt.Sprintf("failed to enqueue job %s on queue %s: %v", e.Job, e.Queue, e.Err)
}

func (e *EnqueueFailure) Unwrap() error { return e.Err }

// UnknownJobError reports a job name with no registered definition
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q", e.Name)
}

// AuditPersistenceFailure reports that an audit record could not be
// written; the broker entry is kept so persistence can be retried
type AuditPersistenceFailure struct {
	Queue   string
	QueueID string
	Err     error
}

func (e *AuditPersistenceFailure) Error() string {
	return fmt.Sprintf("failed to persist audit record for %s/%s: %v", e.Queue, e.QueueID, e.Err)
}

func (e *AuditPersistenceFailure) Unwrap() error { return e.Err }
