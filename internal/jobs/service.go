package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobkit/internal/broker"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher hands an encoded job to the broker and returns its id
type Dispatcher interface {
	Dispatch(ctx context.Context, queue, name string, data json.RawMessage, opts broker.AddOptions) (string, error)
}

// BrokerDispatcher enqueues through the shared queue handles
type BrokerDispatcher struct {
	queues *Queues
}

func NewBrokerDispatcher(queues *Queues) *BrokerDispatcher {
	return &BrokerDispatcher{queues: queues}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, queue, name string, data json.RawMessage, opts broker.AddOptions) (string, error) {
	q, err := d.queues.Get(queue)
	if err != nil {
		return "", err
	}
	return q.Add(ctx, name, data, opts)
}

// NoopDispatcher never contacts the broker. It is selected in test mode.
type NoopDispatcher struct {
	logger *slog.Logger
}

func NewNoopDispatcher(logger *slog.Logger) *NoopDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopDispatcher{logger: logger}
}

func (d *NoopDispatcher) Dispatch(_ context.Context, queue, name string, _ json.RawMessage, _ broker.AddOptions) (string, error) {
	d.logger.Warn("Test mode, job not enqueued",
		slog.String("job", name),
		slog.String("queue", queue),
	)
	return "", nil
}

// EnqueueOption tunes a single enqueue
type EnqueueOption func(*broker.AddOptions)

// WithDelay postpones the first attempt
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *broker.AddOptions) { o.Delay = d }
}

// WithJobID sets the broker id instead of a generated one
func WithJobID(id string) EnqueueOption {
	return func(o *broker.AddOptions) { o.JobID = id }
}

// Service is the enqueue API used by the rest of the application
type Service struct {
	registry     *Registry
	dispatcher   Dispatcher
	defaultQueue string
	logger       *slog.Logger
}

func NewService(registry *Registry, dispatcher Dispatcher, defaultQueue string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:     registry,
		dispatcher:   dispatcher,
		defaultQueue: defaultQueue,
		logger:       logger,
	}
}

// QueueJob enqueues input for def and returns the broker id. In test mode
// the id is empty and nothing is sent.
func (s *Service) QueueJob(ctx context.Context, def Definition, input any, opts ...EnqueueOption) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode input for job %s: %w", def.Name(), err)
	}
	return s.enqueue(ctx, def, data, opts)
}

// QueueJobByName enqueues an already encoded payload for a registered job
func (s *Service) QueueJobByName(ctx context.Context, name string, data json.RawMessage, opts ...EnqueueOption) (string, error) {
	def, err := s.registry.Resolve(name)
	if err != nil {
		s.logger.Error("Cannot enqueue unknown job", slog.String("job", name))
		return "", err
	}
	return s.enqueue(ctx, def, data, opts)
}

func (s *Service) enqueue(ctx context.Context, def Definition, data json.RawMessage, opts []EnqueueOption) (string, error) {
	queue := queueOf(def, s.defaultQueue)

	addOpts := broker.AddOptions{
		Attempts: def.Attempts(),
		TraceID:  traceID(ctx),
	}
	for _, opt := range opts {
		opt(&addOpts)
	}

	id, err := s.dispatcher.Dispatch(ctx, queue, def.Name(), data, addOpts)
	if err != nil {
		s.logger.Error("Failed to enqueue job",
			slog.String("job", def.Name()),
			slog.String("queue", queue),
			slog.Duration("delay", addOpts.Delay),
			slog.String("error", err.Error()),
		)
		return "", &EnqueueFailure{Job: def.Name(), Queue: queue, Err: err}
	}

	if id != "" {
		s.logger.Info("Job enqueued",
			slog.String("job", def.Name()),
			slog.String("queue", queue),
			slog.String("job_id", id),
		)
	}
	return id, nil
}

// traceID returns the trace of the calling span, if any
func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
