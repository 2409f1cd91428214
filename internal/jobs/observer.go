package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/cuongbtq/jobkit/internal/broker"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// AuditStore persists terminal audit records. Save must be idempotent per
// (queue, queue id) and report whether a new row was written.
type AuditStore interface {
	Save(ctx context.Context, rec *audit.Record) (bool, error)
}

// ObserverConfig holds observer settings
type ObserverConfig struct {
	Enabled      bool
	DefaultQueue string
	// SweepInterval is how often unpruned terminal entries are retried;
	// zero disables the sweep loop
	SweepInterval time.Duration
	SweepBatch    int
}

// Observer turns terminal broker outcomes into audit records, then prunes
// the broker bookkeeping. An entry is pruned only after its record is
// stored.
type Observer struct {
	cfg      ObserverConfig
	registry *Registry
	queues   *Queues
	store    AuditStore
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewObserver(cfg ObserverConfig, registry *Registry, queues *Queues, store AuditStore, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Observer{
		cfg:      cfg,
		registry: registry,
		queues:   queues,
		store:    store,
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Start subscribes to every managed queue and starts the sweep loop
func (o *Observer) Start(ctx context.Context) error {
	if !o.cfg.Enabled {
		o.logger.Info("Observer disabled, audit records are not written")
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var handles []broker.Queue
	for _, name := range o.registry.Queues(o.cfg.DefaultQueue) {
		q, err := o.queues.Get(name)
		if err != nil {
			cancel()
			return fmt.Errorf("open queue %s: %w", name, err)
		}
		events, err := q.Events(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe to queue %s: %w", name, err)
		}
		handles = append(handles, q)

		o.wg.Add(1)
		go o.listen(runCtx, q, events)
	}

	o.wg.Add(1)
	go o.sweepLoop(runCtx, handles)

	o.running = true
	o.cancel = cancel
	o.logger.Info("Observer started", slog.Int("queues", len(handles)))
	return nil
}

func (o *Observer) listen(ctx context.Context, q broker.Queue, events <-chan broker.Event) {
	defer o.wg.Done()

	for ev := range events {
		// failures keep the entry in the finished index for the sweep
		_ = o.Observe(ctx, q, ev.JobID)
		if err := ev.Ack(); err != nil {
			o.logger.Warn("Failed to ack lifecycle event",
				slog.String("queue", ev.Queue),
				slog.String("job_id", ev.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Observer) sweepLoop(ctx context.Context, handles []broker.Queue) {
	defer o.wg.Done()

	// entries left over by a previous process are recovered right away
	o.Sweep(ctx, handles...)

	if o.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx, handles...)
		}
	}
}

// Sweep retries every terminal entry that is still awaiting pruning
func (o *Observer) Sweep(ctx context.Context, handles ...broker.Queue) {
	for _, q := range handles {
		ids, err := q.Finished(ctx, o.cfg.SweepBatch)
		if err != nil {
			o.logger.Warn("Failed to list finished jobs",
				slog.String("queue", q.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, id := range ids {
			_ = o.Observe(ctx, q, id)
		}
	}
}

// Observe writes the audit record of a terminal job, then prunes its
// bookkeeping. Non-terminal and already pruned jobs are ignored.
func (o *Observer) Observe(ctx context.Context, q broker.Queue, jobID string) error {
	st, err := q.Job(ctx, jobID)
	if errors.Is(err, broker.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		o.logger.Warn("Failed to load job state",
			slog.String("queue", q.Name()),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return err
	}

	// a failed attempt with retries pending is not an outcome yet
	if !st.Terminal() {
		return nil
	}

	if _, err := o.registry.Resolve(st.Name); err != nil {
		o.logger.Error("Terminal job has no registered definition",
			slog.String("job", st.Name),
			slog.String("queue", st.Queue),
			slog.String("job_id", st.ID),
		)
	}

	rec, err := o.record(st)
	if err != nil {
		return err
	}

	created, err := o.store.Save(ctx, rec)
	if err != nil {
		failure := &AuditPersistenceFailure{Queue: st.Queue, QueueID: st.ID, Err: err}
		o.logger.Error("Failed to persist audit record, keeping broker entry",
			slog.String("job", st.Name),
			slog.String("queue", st.Queue),
			slog.String("job_id", st.ID),
			slog.String("error", err.Error()),
		)
		return failure
	}

	if err := q.Remove(ctx, st.ID); err != nil {
		o.logger.Warn("Failed to prune job entry",
			slog.String("queue", st.Queue),
			slog.String("job_id", st.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("prune job %s: %w", st.ID, err)
	}

	o.logger.Info("Job outcome recorded",
		slog.String("job", st.Name),
		slog.String("queue", st.Queue),
		slog.String("job_id", st.ID),
		slog.String("status", string(rec.Status)),
		slog.Bool("duplicate", !created),
	)
	return nil
}

func (o *Observer) record(st *broker.JobState) (*audit.Record, error) {
	rec := &audit.Record{
		ID:              o.newID(),
		Queue:           st.Queue,
		QueueID:         st.ID,
		Attempt:         st.AttemptsMade,
		Name:            st.Name,
		Data:            jsonOrNull(st.Data),
		CreatedAt:       st.CreatedAt,
		ShouldExecuteAt: st.CreatedAt.Add(st.Delay),
		ExecutedAt:      st.ProcessedOn,
		CompletedAt:     st.FinishedOn,
	}
	if st.TraceID != "" {
		trace := st.TraceID
		rec.TraceID = &trace
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = o.now()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = rec.CompletedAt
	}

	if st.Status == broker.StatusCompleted {
		rec.Status = audit.StatusCompleted
		rec.Result = jsonOrNull(st.Result)
		return rec, nil
	}

	detail, err := json.Marshal(map[string]string{"error": st.FailedReason})
	if err != nil {
		return nil, fmt.Errorf("encode failure detail: %w", err)
	}
	rec.Status = audit.StatusFailed
	rec.Result = types.JSONText(detail)
	return rec, nil
}

func jsonOrNull(raw json.RawMessage) types.JSONText {
	if len(raw) == 0 {
		return types.JSONText("null")
	}
	return types.JSONText(raw)
}

// Ping reports broker reachability for every managed queue
func (o *Observer) Ping(ctx context.Context) error {
	for _, name := range o.registry.Queues(o.cfg.DefaultQueue) {
		q, err := o.queues.Get(name)
		if err != nil {
			return err
		}
		if err := q.Ping(ctx); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	return nil
}

// Stop unsubscribes and waits for in-progress records, bounded by ctx
func (o *Observer) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Observer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer stop: %w", ctx.Err())
	}
}
