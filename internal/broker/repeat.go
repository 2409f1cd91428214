package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s"
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron pattern
func ParseSchedule(pattern string) (cron.Schedule, error) {
	return cronParser.Parse(pattern)
}

type addFunc func(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (string, error)

// scheduler fires registered triggers in-process. Every process that
// registers a trigger runs it; the per-tick claim in Redis makes sure only
// one of them enqueues.
type scheduler struct {
	queue    string
	state    *State
	add      addFunc
	logger   *slog.Logger
	claimTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
	stopped bool
}

func newScheduler(queue string, state *State, add addFunc, logger *slog.Logger) *scheduler {
	return &scheduler{
		queue:    queue,
		state:    state,
		add:      add,
		logger:   logger,
		claimTTL: time.Hour,
		now:      time.Now,
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
	}
}

// upsert stores the trigger and schedules it locally once
func (s *scheduler) upsert(ctx context.Context, r Repeatable) (bool, error) {
	schedule, err := ParseSchedule(r.Pattern)
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q for %s: %w", r.Pattern, r.Name, err)
	}

	created, err := s.state.AddRepeatable(ctx, s.queue, r)
	if err != nil {
		return false, fmt.Errorf("failed to store repeatable: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, ErrClosed
	}
	if _, ok := s.entries[r.Key()]; ok {
		return created, nil
	}

	s.entries[r.Key()] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(r)
	}))
	if !s.started {
		s.cron.Start()
		s.started = true
	}

	s.logger.Info("Recurring trigger scheduled",
		slog.String("job", r.Name),
		slog.String("pattern", r.Pattern),
		slog.Bool("created", created),
	)
	return created, nil
}

// fire enqueues one occurrence of the trigger if this process wins the tick
func (s *scheduler) fire(r Repeatable) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tick := s.now().Truncate(time.Second)
	claimed, err := s.state.ClaimTick(ctx, s.queue, r.Key(), tick, s.claimTTL)
	if err != nil {
		s.logger.Error("Failed to claim trigger tick",
			slog.String("job", r.Name),
			slog.Any("error", err),
		)
		return
	}
	if !claimed {
		return
	}

	jobID := fmt.Sprintf("repeat:%s:%d", r.Key(), tick.Unix())
	if _, err := s.add(ctx, r.Name, r.Data, AddOptions{JobID: jobID}); err != nil {
		s.logger.Error("Failed to enqueue recurring job",
			slog.String("job", r.Name),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (s *scheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// stop halts the cron loop and waits for running fires
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}
}
