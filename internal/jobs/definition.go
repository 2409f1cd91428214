package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Definition is a job type known to the registry. Name is the dispatch
// key carried by every queued instance.
type Definition interface {
	Name() string
	// Queue is the queue the job is sent to; empty means the default queue
	Queue() string
	// Schedule is a recurring trigger pattern; empty when the job only runs
	// on demand
	Schedule() string
	// Attempts overrides the broker attempt budget; zero keeps the default
	Attempts() int
	Handle(ctx context.Context, data json.RawMessage) (any, error)
}

// Handler executes one job with a typed input
type Handler[In, Out any] interface {
	Handle(ctx context.Context, input In) (Out, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[In, Out any] func(ctx context.Context, input In) (Out, error)

func (f HandlerFunc[In, Out]) Handle(ctx context.Context, input In) (Out, error) {
	return f(ctx, input)
}

// Option configures a definition
type Option func(*definitionOptions)

type definitionOptions struct {
	queue    string
	schedule string
	attempts int
}

// OnQueue routes the job to the named queue
func OnQueue(name string) Option {
	return func(o *definitionOptions) { o.queue = name }
}

// Every registers a recurring trigger, as a 5-field cron pattern or a
// descriptor such as "@every 1m"
func Every(pattern string) Option {
	return func(o *definitionOptions) { o.schedule = pattern }
}

// WithAttempts sets the attempt budget of the job
func WithAttempts(n int) Option {
	return func(o *definitionOptions) { o.attempts = n }
}

type definition[In, Out any] struct {
	name    string
	opts    definitionOptions
	factory func() Handler[In, Out]
}

// Define declares a job type. factory builds the handler with its
// dependencies for every execution.
func Define[In, Out any](name string, factory func() Handler[In, Out], opts ...Option) Definition {
	d := &definition[In, Out]{name: name, factory: factory}
	for _, opt := range opts {
		opt(&d.opts)
	}
	return d
}

// DefineFunc declares a job type backed by a plain function
func DefineFunc[In, Out any](name string, fn func(ctx context.Context, input In) (Out, error), opts ...Option) Definition {
	return Define(name, func() Handler[In, Out] { return HandlerFunc[In, Out](fn) }, opts...)
}

func (d *definition[In, Out]) Name() string     { return d.name }
func (d *definition[In, Out]) Queue() string    { return d.opts.queue }
func (d *definition[In, Out]) Schedule() string { return d.opts.schedule }
func (d *definition[In, Out]) Attempts() int    { return d.opts.attempts }

func (d *definition[In, Out]) Handle(ctx context.Context, data json.RawMessage) (any, error) {
	var input In
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &input); err != nil {
			return nil, fmt.Errorf("decode input for job %q: %w", d.name, err)
		}
	}
	return d.factory().Handle(ctx, input)
}
