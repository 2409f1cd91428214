package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AddCall records one Add on a MemoryQueue
type AddCall struct {
	Name    string
	Data    json.RawMessage
	Options AddOptions
}

// requeueDelay spaces out redeliveries of jobs handed back with ErrRequeue
const requeueDelay = 50 * time.Millisecond

// MemoryQueue is an in-process Queue with the same attempt, retry and
// event semantics as the RabbitMQ queue. Recurring triggers are stored
// but never fired. Bookkeeping is lost on exit.
type MemoryQueue struct {
	name   string
	opts   Options
	now    func() time.Time
	signal chan struct{}

	mu       sync.Mutex
	closed   bool
	ready    []*Job
	jobs     map[string]*JobState
	finished []string
	repeat   map[string]Repeatable
	adds     []AddCall
	addErr   error
	subs     []chan Event
	timers   []*time.Timer
	inflight sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(name string, opts Options) *MemoryQueue {
	return &MemoryQueue{
		name:   name,
		opts:   opts.withDefaults(),
		now:    time.Now,
		signal: make(chan struct{}, 1),
		jobs:   make(map[string]*JobState),
		repeat: make(map[string]Repeatable),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

// Adds returns every Add call made so far
func (q *MemoryQueue) Adds() []AddCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]AddCall(nil), q.adds...)
}

// FailAdds makes subsequent Add calls fail with err; nil restores them
func (q *MemoryQueue) FailAdds(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addErr = err
}

func (q *MemoryQueue) begin() (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.inflight.Add(1)
	return q.inflight.Done, nil
}

func (q *MemoryQueue) Add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	q.adds = append(q.adds, AddCall{Name: name, Data: data, Options: opts})
	if q.addErr != nil {
		return "", q.addErr
	}

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
	if _, exists := q.jobs[job.ID]; exists {
		return job.ID, nil
	}

	status := StatusWaiting
	if job.Delay > 0 {
		status = StatusDelayed
	}
	q.jobs[job.ID] = &JobState{
		ID:          job.ID,
		Queue:       q.name,
		Name:        name,
		Data:        data,
		Status:      status,
		MaxAttempts: job.MaxAttempts,
		Delay:       job.Delay,
		CreatedAt:   job.CreatedAt,
		TraceID:     job.TraceID,
	}
	q.scheduleLocked(job, job.Delay)
	return job.ID, nil
}

// scheduleLocked makes job deliverable after delay; caller holds mu
func (q *MemoryQueue) scheduleLocked(job *Job, delay time.Duration) {
	if delay <= 0 {
		q.readyLocked(job)
		return
	}
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.readyLocked(job)
		}
	}))
}

func (q *MemoryQueue) readyLocked(job *Job) {
	q.ready = append(q.ready, job)
	q.wake()
}

// wake nudges one idle consumer without blocking
func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest deliverable job; nothing is handed out once closed
func (q *MemoryQueue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.ready) == 0 {
		return nil, false
	}
	job := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	if len(q.ready) > 0 {
		q.wake()
	}
	return job, true
}

func (q *MemoryQueue) Consume(ctx context.Context, fn ProcessFunc) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for i := 0; i < q.opts.Concurrency; i++ {
		go func() {
			for ctx.Err() == nil {
				if job, ok := q.next(); ok {
					q.run(job, fn)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.signal:
				}
			}
		}()
	}
	q.wake()
	return nil
}

func (q *MemoryQueue) run(job *Job, fn ProcessFunc) {
	done, err := q.begin()
	if err != nil {
		q.mu.Lock()
		q.ready = append([]*Job{job}, q.ready...)
		q.mu.Unlock()
		return
	}
	defer done()

	q.mu.Lock()
	if st, ok := q.jobs[job.ID]; ok {
		st.Status = StatusActive
		st.AttemptsMade = job.Attempt - 1
		st.ProcessedOn = q.now()
	}
	q.mu.Unlock()

	result, runErr := invoke(context.Background(), fn, job)

	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.jobs[job.ID]
	if !ok {
		st = &JobState{
			ID:          job.ID,
			Queue:       q.name,
			Name:        job.Name,
			Data:        job.Data,
			MaxAttempts: job.MaxAttempts,
			Delay:       job.Delay,
			CreatedAt:   job.CreatedAt,
			TraceID:     job.TraceID,
		}
		q.jobs[job.ID] = st
	}

	switch {
	case errors.Is(runErr, ErrRequeue):
		st.Status = StatusWaiting
		q.scheduleLocked(job, requeueDelay)
	case runErr == nil:
		payload, err := json.Marshal(result)
		if err != nil {
			payload = nil
		}
		q.finishLocked(st, job, StatusCompleted, payload, "")
	case job.Attempt < job.MaxAttempts:
		st.Status = StatusDelayed
		st.AttemptsMade = job.Attempt
		st.FailedReason = runErr.Error()
		next := *job
		next.Attempt++
		q.scheduleLocked(&next, Backoff(q.opts.Backoff, job.Attempt))
	default:
		q.finishLocked(st, job, StatusFailed, nil, runErr.Error())
	}
}

func (q *MemoryQueue) finishLocked(st *JobState, job *Job, status Status, result json.RawMessage, reason string) {
	st.Status = status
	st.AttemptsMade = job.Attempt
	st.FinishedOn = q.now()
	st.Result = result
	st.FailedReason = reason

	found := false
	for _, id := range q.finished {
		if id == job.ID {
			found = true
			break
		}
	}
	if !found {
		q.finished = append(q.finished, job.ID)
	}

	ev := Event{Queue: q.name, JobID: job.ID, Status: status}
	for _, sub := range q.subs {
		select {
		case sub <- ev:
		default:
			// slow subscribers rely on the finished index
		}
	}
}

func (q *MemoryQueue) Events(ctx context.Context) (<-chan Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	sub := make(chan Event, 256)
	q.subs = append(q.subs, sub)

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, s := range q.subs {
			if s == sub {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				break
			}
		}
		close(sub)
	}()
	return sub, nil
}

func (q *MemoryQueue) Job(_ context.Context, id string) (*JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *st
	return &out, nil
}

func (q *MemoryQueue) Finished(_ context.Context, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.finished) {
		limit = len(q.finished)
	}
	if limit <= 0 {
		return nil, nil
	}
	return append([]string(nil), q.finished[:limit]...), nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	for i, fid := range q.finished {
		if fid == id {
			q.finished = append(q.finished[:i], q.finished[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) UpsertRepeatable(_ context.Context, r Repeatable) (bool, error) {
	if _, err := ParseSchedule(r.Pattern); err != nil {
		return false, fmt.Errorf("invalid pattern %q for %s: %w", r.Pattern, r.Name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.repeat[r.Key()]; ok {
		return false, nil
	}
	q.repeat[r.Key()] = r
	return true, nil
}

func (q *MemoryQueue) Repeatables(_ context.Context) ([]Repeatable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Repeatable, 0, len(q.repeat))
	for _, r := range q.repeat {
		out = append(out, r)
	}
	return out, nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s: %w", q.name, ctx.Err())
	}
}

// MemoryFactory hands out one MemoryQueue per name
type MemoryFactory struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*MemoryQueue
}

// NewMemoryFactory creates a factory of in-process queues
func NewMemoryFactory(opts Options) *MemoryFactory {
	return &MemoryFactory{opts: opts, queues: make(map[string]*MemoryQueue)}
}

// Open returns the queue for name, creating it on first use
func (f *MemoryFactory) Open(name string) (Queue, error) {
	return f.Queue(name), nil
}

// Queue returns the concrete queue for name
func (f *MemoryFactory) Queue(name string) *MemoryQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = NewMemoryQueue(name, f.opts)
		f.queues[name] = q
	}
	return q
}

func (f *MemoryFactory) Close() error { return nil }
