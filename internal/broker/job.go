package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/jobkit/shared/rabbitmq"
)

var (
	// ErrJobNotFound is returned when no bookkeeping entry exists for a job id
	ErrJobNotFound = errors.New("job not found")

	// ErrRequeue tells the consumer to put a delivery back without
	// consuming an attempt
	ErrRequeue = errors.New("requeue delivery")

	// ErrClosed is returned by operations on a closed queue handle
	ErrClosed = errors.New("queue closed")

	// ErrMalformed is returned for deliveries that cannot be decoded
	ErrMalformed = errors.New("malformed job message")

	// ErrInvalidConfig marks missing or invalid broker connection parameters
	ErrInvalidConfig = rabbitmq.ErrInvalidConfig
)

// Status is the broker-side lifecycle state of a queued job
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one delivery of a queued job instance
type Job struct {
	ID          string
	Queue       string
	Name        string
	Data        json.RawMessage
	Attempt     int // 1-based
	MaxAttempts int
	Delay       time.Duration
	CreatedAt   time.Time
	TraceID     string
}

// AddOptions tunes a single enqueue
type AddOptions struct {
	JobID    string
	Delay    time.Duration
	Attempts int
	TraceID  string
}

// ProcessFunc executes a delivered job. A returned error counts as a
// failed attempt unless it wraps ErrRequeue.
type ProcessFunc func(ctx context.Context, job *Job) (any, error)

// Event is a terminal lifecycle notification. Ack must be called once the
// notification has been handled.
type Event struct {
	Queue  string
	JobID  string
	Status Status

	ack func() error
}

// Ack acknowledges the notification
func (e Event) Ack() error {
	if e.ack == nil {
		return nil
	}
	return e.ack()
}

// NewEvent builds an event with a custom acknowledgement; used by
// alternative queue implementations
func NewEvent(queue, jobID string, status Status, ack func() error) Event {
	return Event{Queue: queue, JobID: jobID, Status: status, ack: ack}
}

// JobState is the bookkeeping entry the broker keeps per job until it is
// pruned
type JobState struct {
	ID           string
	Queue        string
	Name         string
	Data         json.RawMessage
	Status       Status
	AttemptsMade int
	MaxAttempts  int
	Delay        time.Duration
	CreatedAt    time.Time
	ProcessedOn  time.Time
	FinishedOn   time.Time
	Result       json.RawMessage
	FailedReason string
	TraceID      string
}

// Exhausted reports whether a failed job has no retry pending
func (s *JobState) Exhausted() bool {
	return s.Status == StatusFailed && s.AttemptsMade >= s.MaxAttempts
}

// Terminal reports whether the job reached a final outcome
func (s *JobState) Terminal() bool {
	return s.Status == StatusCompleted || s.Exhausted()
}

// Repeatable is a recurring trigger that enqueues Name on Pattern
type Repeatable struct {
	Name    string          `json:"name"`
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Key identifies the trigger; identical triggers share a key
func (r Repeatable) Key() string {
	return r.Name + "::" + r.Pattern
}

// Queue is a handle on one named broker queue
type Queue interface {
	Name() string

	// Add enqueues a job and returns its broker-assigned id. An explicit
	// JobID that is still tracked returns that id without a second enqueue.
	Add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (string, error)

	// Consume attaches fn as a consumer until ctx is cancelled. In-flight
	// executions are not cancelled with ctx.
	Consume(ctx context.Context, fn ProcessFunc) error

	// Events streams terminal lifecycle notifications until ctx is cancelled
	Events(ctx context.Context) (<-chan Event, error)

	// Job returns the bookkeeping entry or ErrJobNotFound
	Job(ctx context.Context, id string) (*JobState, error)

	// Finished lists ids of terminal jobs that have not been pruned yet
	Finished(ctx context.Context, limit int) ([]string, error)

	// Remove prunes the bookkeeping entry of a job
	Remove(ctx context.Context, id string) error

	// UpsertRepeatable registers a recurring trigger. It reports whether the
	// trigger was newly created; identical triggers are never duplicated.
	UpsertRepeatable(ctx context.Context, r Repeatable) (bool, error)

	// Repeatables lists the registered triggers
	Repeatables(ctx context.Context) ([]Repeatable, error)

	// Ping checks broker connectivity
	Ping(ctx context.Context) error

	// Close waits for pending broker I/O and releases the handle
	Close(ctx context.Context) error
}
