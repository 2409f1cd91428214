package jobs

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Shutdown priorities; hooks run from the highest priority to the lowest
const (
	PriorityDefault = 0
	PriorityLowest  = math.MinInt
)

// Hook is one shutdown reaction
type Hook func(ctx context.Context) error

// ConnectionGuard rejects new broker connections once blocked
type ConnectionGuard interface {
	Block() bool
}

// RegisterTeardown installs the job subsystem phases: the runner drains
// and the observer stops at default priority, the connection guard is
// installed right after, and queues close last.
func RegisterTeardown(c *Coordinator, runner *Runner, observer *Observer, guard ConnectionGuard, queues *Queues) {
	if runner != nil {
		c.OnShutdown("runner", PriorityDefault, runner.Shutdown)
	}
	if observer != nil {
		c.OnShutdown("observer", PriorityDefault, observer.Stop)
	}
	if guard != nil {
		c.OnShutdown("connection-guard", PriorityDefault-1, func(context.Context) error {
			if guard.Block() {
				c.logger.Info("Connection guard installed, new broker connections are rejected")
			}
			return nil
		})
	}
	c.OnShutdown("queues", PriorityLowest, queues.Close)
}

type hook struct {
	name     string
	priority int
	seq      int
	fn       Hook
}

// Coordinator runs shutdown hooks as prioritized reactions to a single
// shutdown signal. Hooks run one at a time; each starts only after the
// previous one returned.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	hooks []hook
	once  sync.Once
	err   error
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// OnShutdown registers fn. Hooks with equal priority run in registration
// order.
func (c *Coordinator) OnShutdown(name string, priority int, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, priority: priority, seq: len(c.hooks), fn: fn})
}

// Shutdown runs every hook once. A failing hook does not stop later ones;
// all errors are returned joined. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		hooks := append([]hook(nil), c.hooks...)
		c.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			if hooks[i].priority != hooks[j].priority {
				return hooks[i].priority > hooks[j].priority
			}
			return hooks[i].seq < hooks[j].seq
		})

		var errs []error
		for _, h := range hooks {
			start := time.Now()
			if err := h.fn(ctx); err != nil {
				c.logger.Error("Shutdown phase failed",
					slog.String("phase", h.name),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
			c.logger.Info("Shutdown phase completed",
				slog.String("phase", h.name),
				slog.Duration("took", time.Since(start)),
			)
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}
