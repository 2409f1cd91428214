package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobkit/internal/broker"
)

// RunnerState is the lifecycle state of a Runner
type RunnerState int

const (
	RunnerStopped RunnerState = iota
	RunnerStarting
	RunnerRunning
	RunnerDraining
)

func (s RunnerState) String() string {
	switch s {
	case RunnerStarting:
		return "starting"
	case RunnerRunning:
		return "running"
	case RunnerDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// RunnerConfig holds runner settings
type RunnerConfig struct {
	// Enabled turns automatic consumption on
	Enabled bool
	// Command marks a command-style process that never consumes work
	Command      bool
	DefaultQueue string
	// DrainTimeout bounds the wait for in-flight jobs at shutdown
	DrainTimeout time.Duration
}

type inflightJob struct {
	queue   string
	id      string
	name    string
	attempt int
	started time.Time
}

// Runner consumes every queue used by a registered job and dispatches
// deliveries to their definitions
type Runner struct {
	cfg      RunnerConfig
	registry *Registry
	queues   *Queues
	logger   *slog.Logger

	mu       sync.Mutex
	state    RunnerState
	cancel   context.CancelFunc
	seq      uint64
	inflight map[uint64]inflightJob
	wg       sync.WaitGroup
}

func NewRunner(cfg RunnerConfig, registry *Registry, queues *Queues, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		queues:   queues,
		logger:   logger,
		inflight: make(map[uint64]inflightJob),
	}
}

// State returns the current lifecycle state
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start attaches consumers and registers recurring triggers. It is a no-op
// when disabled, in command processes, or when already started.
func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled || r.cfg.Command {
		r.logger.Info("Runner disabled, not consuming jobs",
			slog.Bool("enabled", r.cfg.Enabled),
			slog.Bool("command", r.cfg.Command),
		)
		return nil
	}

	r.mu.Lock()
	switch r.state {
	case RunnerStarting, RunnerRunning:
		r.mu.Unlock()
		return nil
	case RunnerDraining:
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	r.state = RunnerStarting
	r.mu.Unlock()

	// consumers outlive the caller's context and stop only at shutdown
	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := r.attach(ctx, consumeCtx); err != nil {
		cancel()
		r.setState(RunnerStopped)
		r.logger.Error("Runner failed to start", slog.String("error", err.Error()))
		return err
	}

	r.mu.Lock()
	if r.state != RunnerStarting {
		r.mu.Unlock()
		cancel()
		return ErrRunnerStopped
	}
	r.state = RunnerRunning
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("Runner started",
		slog.Any("queues", r.registry.Queues(r.cfg.DefaultQueue)),
		slog.Int("jobs", len(r.registry.All())),
	)
	return nil
}

func (r *Runner) attach(ctx, consumeCtx context.Context) error {
	for _, def := range r.registry.All() {
		if def.Schedule() == "" {
			continue
		}
		name := queueOf(def, r.cfg.DefaultQueue)
		q, err := r.queues.Get(name)
		if err != nil {
			return fmt.Errorf("open queue %s: %w", name, err)
		}
		created, err := q.UpsertRepeatable(ctx, broker.Repeatable{Name: def.Name(), Pattern: def.Schedule()})
		if err != nil {
			return fmt.Errorf("register trigger for %s: %w", def.Name(), err)
		}
		r.logger.Info("Recurring trigger registered",
			slog.String("job", def.Name()),
			slog.String("pattern", def.Schedule()),
			slog.Bool("created", created),
		)
	}

	// consumers go last; deliveries before the runner is running are requeued
	for _, name := range r.registry.Queues(r.cfg.DefaultQueue) {
		q, err := r.queues.Get(name)
		if err != nil {
			return fmt.Errorf("open queue %s: %w", name, err)
		}
		if err := q.Consume(consumeCtx, r.process); err != nil {
			return fmt.Errorf("consume queue %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// track registers an execution; it fails once the runner stops accepting
// work
func (r *Runner) track(job *broker.Job) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RunnerRunning {
		return nil, false
	}
	r.seq++
	key := r.seq
	r.inflight[key] = inflightJob{
		queue:   job.Queue,
		id:      job.ID,
		name:    job.Name,
		attempt: job.Attempt,
		started: time.Now(),
	}
	r.wg.Add(1)

	return func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		r.wg.Done()
	}, true
}

// process dispatches one delivery. Handler errors are returned unchanged so
// the broker applies its attempt policy.
func (r *Runner) process(ctx context.Context, job *broker.Job) (any, error) {
	done, ok := r.track(job)
	if !ok {
		return nil, broker.ErrRequeue
	}
	defer done()

	def, err := r.registry.Resolve(job.Name)
	if err != nil {
		r.logger.Error("Unknown job received",
			slog.String("job", job.Name),
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
		)
		return nil, err
	}

	r.logger.Debug("Processing job",
		slog.String("job", job.Name),
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
	)

	result, err := def.Handle(ctx, job.Data)
	if err != nil {
		r.logger.Error("Job handler failed",
			slog.String("job", job.Name),
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return result, nil
}

// Shutdown stops consumption and waits for in-flight jobs up to the drain
// timeout. Jobs still running afterwards are logged as abandoned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RunnerRunning && r.state != RunnerStarting {
		r.mu.Unlock()
		return nil
	}
	r.state = RunnerDraining
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("Runner draining", slog.Duration("timeout", r.cfg.DrainTimeout))
	if cancel != nil {
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		r.logger.Info("Runner drained")
	case <-timer.C:
		r.logAbandoned()
	case <-ctx.Done():
		r.logAbandoned()
	}

	r.setState(RunnerStopped)
	return nil
}

func (r *Runner) abandoned() []inflightJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]inflightJob, 0, len(r.inflight))
	for _, j := range r.inflight {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}

func (r *Runner) logAbandoned() {
	jobs := r.abandoned()
	attrs := make([]any, 0, len(jobs))
	for _, j := range jobs {
		attrs = append(attrs, slog.Group(j.id,
			slog.String("job", j.name),
			slog.String("queue", j.queue),
			slog.Int("attempt", j.attempt),
			slog.Duration("running_for", time.Since(j.started)),
		))
	}
	r.logger.Warn("Drain timeout exceeded, abandoning in-flight jobs",
		slog.Int("count", len(jobs)),
		slog.Group("jobs", attrs...),
	)
}
