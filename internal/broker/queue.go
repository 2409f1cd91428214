package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobkit/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Options tunes queue handles
type Options struct {
	// Attempts is the default attempt budget of a job
	Attempts int
	// Backoff is the base delay between attempts, doubled on every retry
	Backoff time.Duration
	// Concurrency is the number of consumer goroutines per Consume call
	Concurrency int
	// Prefetch bounds unacknowledged deliveries per consumer channel
	Prefetch int
	// SettleTimeout bounds recording the outcome of one attempt
	SettleTimeout time.Duration
	// PollInterval is how often due delayed jobs are moved to the work queue
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Prefetch < o.Concurrency {
		o.Prefetch = o.Concurrency
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// amqpQueue implements Queue on RabbitMQ for transport and Redis for
// bookkeeping
type amqpQueue struct {
	name    string
	topo    rabbitmq.Topology
	conn    *rabbitmq.Connection
	state   *State
	opts    Options
	logger  *slog.Logger
	pub     publisher
	settler *settler
	sched   *scheduler
	promote *promoter
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	channels []*amqp.Channel
	inflight sync.WaitGroup
}

func openQueue(name string, conn *rabbitmq.Connection, exchange string, state *State, opts Options, logger *slog.Logger) (*amqpQueue, error) {
	topo := rabbitmq.NewTopology(exchange, name)

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := topo.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	pub, err := rabbitmq.NewPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	q := newQueue(name, topo, conn, state, pub, opts, logger)
	q.channels = []*amqp.Channel{ch}
	q.promote.start()

	q.logger.Info("Queue opened",
		slog.String("exchange", exchange),
		slog.String("events_queue", topo.Events),
		slog.Duration("poll_interval", q.opts.PollInterval),
	)
	return q, nil
}

func newQueue(name string, topo rabbitmq.Topology, conn *rabbitmq.Connection, state *State, pub publisher, opts Options, logger *slog.Logger) *amqpQueue {
	q := &amqpQueue{
		name:   name,
		topo:   topo,
		conn:   conn,
		state:  state,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("queue", name)),
		pub:    pub,
		now:    time.Now,
	}
	q.settler = &settler{
		topo:    topo,
		pub:     pub,
		state:   state,
		backoff: q.opts.Backoff,
		logger:  q.logger,
		now:     time.Now,
	}
	q.sched = newScheduler(name, state, q.Add, q.logger)
	q.promote = newPromoter(name, topo.Queue, state, pub, q.opts.PollInterval, q.logger)
	return q
}

func (q *amqpQueue) Name() string { return q.name }

// begin registers broker I/O that Close waits for
func (q *amqpQueue) begin() (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.inflight.Add(1)
	return q.inflight.Done, nil
}

func (q *amqpQueue) Add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (string, error) {
	done, err := q.begin()
	if err != nil {
		return "", err
	}
	defer done()

	job := &Job{
		ID:          opts.JobID,
		Queue:       q.name,
		Name:        name,
		Data:        data,
		Attempt:     1,
		MaxAttempts: opts.Attempts,
		Delay:       opts.Delay,
		CreatedAt:   q.now(),
		TraceID:     opts.TraceID,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = q.opts.Attempts
	}

	body, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	created, err := q.state.Track(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to record job: %w", err)
	}
	if !created {
		q.logger.Debug("Job already queued", slog.String("job_id", job.ID))
		return job.ID, nil
	}

	if job.Delay > 0 {
		err = q.state.Defer(ctx, q.name, body, job.CreatedAt.Add(job.Delay))
	} else {
		err = q.pub.Publish(ctx, q.topo.Queue, jobMessage(job, body, job.CreatedAt))
	}
	if err != nil {
		if untrackErr := q.state.Untrack(context.WithoutCancel(ctx), q.name, job.ID); untrackErr != nil {
			q.logger.Warn("Failed to drop entry of unpublished job",
				slog.String("job_id", job.ID),
				slog.String("error", untrackErr.Error()),
			)
		}
		return "", err
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job", name),
		slog.Duration("delay", job.Delay),
	)
	return job.ID, nil
}

// consumerChannel opens a channel that Close tears down
func (q *amqpQueue) consumerChannel() (*amqp.Channel, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		_ = ch.Close()
		return nil, ErrClosed
	}
	q.channels = append(q.channels, ch)
	return ch, nil
}

func (q *amqpQueue) Consume(ctx context.Context, fn ProcessFunc) error {
	ch, err := q.consumerChannel()
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("%s-%s", q.name, uuid.NewString()[:8])
	deliveries, err := ch.Consume(q.topo.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			q.logger.Warn("Failed to cancel consumer",
				slog.String("consumer_tag", tag),
				slog.String("error", err.Error()),
			)
		}
	}()

	for i := 0; i < q.opts.Concurrency; i++ {
		go q.workerLoop(deliveries, fn)
	}

	q.logger.Info("Consumer started",
		slog.String("consumer_tag", tag),
		slog.Int("concurrency", q.opts.Concurrency),
		slog.Int("prefetch_count", q.opts.Prefetch),
	)
	return nil
}

func (q *amqpQueue) workerLoop(deliveries <-chan amqp.Delivery, fn ProcessFunc) {
	for d := range deliveries {
		q.handle(d, fn)
	}
}

// handle runs one delivery to completion; executions are detached from
// the consumer context
func (q *amqpQueue) handle(d amqp.Delivery, fn ProcessFunc) {
	done, err := q.begin()
	if err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			q.logger.Error("Failed to NACK message on shutdown",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}
	defer done()

	job, err := decodeJob(q.name, d.Body)
	if err != nil {
		q.logger.Error("Failed to parse message",
			slog.String("error", err.Error()),
			slog.String("body", string(d.Body)),
		)
		// malformed messages are dropped, a redelivery would fail the same way
		if nackErr := d.Nack(false, false); nackErr != nil {
			q.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	ctx := context.Background()
	if err := q.state.MarkActive(ctx, job, q.now()); err != nil {
		q.logger.Warn("Failed to mark job active",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	result, runErr := invoke(ctx, fn, job)

	settleCtx, cancel := context.WithTimeout(ctx, q.opts.SettleTimeout)
	defer cancel()
	q.settler.settle(settleCtx, job, result, runErr, d)
}

// invoke runs fn, turning a panic into a failed attempt
func invoke(ctx context.Context, fn ProcessFunc, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}

func (q *amqpQueue) Events(ctx context.Context) (<-chan Event, error) {
	ch, err := q.consumerChannel()
	if err != nil {
		return nil, err
	}

	tag := fmt.Sprintf("%s-events-%s", q.name, uuid.NewString()[:8])
	deliveries, err := ch.Consume(q.topo.Events, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming events: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(tag, false)
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var msg eventMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
					q.logger.Error("Failed to parse event message",
						slog.String("body", string(d.Body)),
					)
					_ = d.Nack(false, false)
					continue
				}

				ev := NewEvent(q.name, msg.JobID, msg.Status, func() error {
					return d.Ack(false)
				})
				select {
				case out <- ev:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					_ = ch.Cancel(tag, false)
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *amqpQueue) Job(ctx context.Context, id string) (*JobState, error) {
	return q.state.Get(ctx, q.name, id)
}

func (q *amqpQueue) Finished(ctx context.Context, limit int) ([]string, error) {
	return q.state.Finished(ctx, q.name, limit)
}

func (q *amqpQueue) Remove(ctx context.Context, id string) error {
	return q.state.Remove(ctx, q.name, id)
}

func (q *amqpQueue) UpsertRepeatable(ctx context.Context, r Repeatable) (bool, error) {
	done, err := q.begin()
	if err != nil {
		return false, err
	}
	defer done()
	return q.sched.upsert(ctx, r)
}

func (q *amqpQueue) Repeatables(ctx context.Context) ([]Repeatable, error) {
	return q.state.Repeatables(ctx, q.name)
}

func (q *amqpQueue) Ping(ctx context.Context) error {
	if err := q.state.Ping(ctx); err != nil {
		return err
	}
	if q.conn.IsConnected() {
		return nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq unreachable: %w", err)
	}
	return ch.Close()
}

// Close stops the trigger loop, waits for in-flight executions and broker
// writes bounded by ctx, then closes the channels of the handle
func (q *amqpQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	channels := q.channels
	q.channels = nil
	q.mu.Unlock()

	q.sched.stop()
	q.promote.stop()

	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()

	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		q.logger.Warn("Queue closed before pending operations finished")
		errs = append(errs, fmt.Errorf("queue %s: %w", q.name, ctx.Err()))
	}

	for _, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	q.logger.Info("Queue closed")
	return errors.Join(errs...)
}
