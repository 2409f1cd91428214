package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/jobkit/internal/broker"
	"golang.org/x/sync/errgroup"
)

// QueueFactory opens queue handles over shared broker connections
type QueueFactory interface {
	Open(name string) (broker.Queue, error)
	Close() error
}

// Queues owns one broker handle per queue name for the whole process
type Queues struct {
	factory QueueFactory
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]broker.Queue
	closed  bool
}

func NewQueues(factory QueueFactory, logger *slog.Logger) *Queues {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queues{
		factory: factory,
		logger:  logger,
		handles: make(map[string]broker.Queue),
	}
}

// Get returns the cached handle for name, opening it on first use
func (q *Queues) Get(name string) (broker.Queue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, broker.ErrClosed
	}
	if h, ok := q.handles[name]; ok {
		return h, nil
	}

	h, err := q.factory.Open(name)
	if err != nil {
		if errors.Is(err, broker.ErrInvalidConfig) {
			return nil, &ConfigurationError{Err: err}
		}
		return nil, err
	}

	q.handles[name] = h
	q.logger.Debug("Queue handle created", slog.String("queue", name))
	return h, nil
}

// Names returns the names of the open handles
func (q *Queues) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.handles))
	for name := range q.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every handle concurrently, waiting for each to flush, then
// releases the shared connections. Calling it again is a no-op.
func (q *Queues) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	handles := q.handles
	q.handles = make(map[string]broker.Queue)
	q.mu.Unlock()

	var g errgroup.Group
	for name, h := range handles {
		name, h := name, h
		g.Go(func() error {
			if err := h.Close(ctx); err != nil {
				q.logger.Error("Failed to close queue",
					slog.String("queue", name),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	if closeErr := q.factory.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	q.logger.Info("Queues closed", slog.Int("count", len(handles)))
	return err
}
