package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPollInterval = time.Second
	promoteBatch        = 100
)

// jobMessage wraps an encoded job for the work queue
func jobMessage(job *Job, body []byte, at time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType: "application/json",
		MessageId:   job.ID,
		Type:        job.Name,
		Timestamp:   at,
		Body:        body,
	}
}

// promoter moves parked jobs whose due time has passed from the delayed
// set to the work queue. Every process that opens the queue runs one; the
// claim in Redis hands each job to exactly one of them.
type promoter struct {
	queue    string
	key      string
	state    *State
	pub      publisher
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

func newPromoter(queue, key string, state *State, pub publisher, interval time.Duration, logger *slog.Logger) *promoter {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &promoter{
		queue:    queue,
		key:      key,
		state:    state,
		pub:      pub,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *promoter) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.loop()
}

func (p *promoter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := p.promote(ctx); err != nil {
			p.logger.Warn("Failed to promote delayed jobs", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// promote publishes every due job and reports how many were moved
func (p *promoter) promote(ctx context.Context) (int, error) {
	moved := 0
	for {
		members, err := p.state.Due(ctx, p.queue, p.now(), promoteBatch)
		if err != nil {
			return moved, err
		}
		if len(members) == 0 {
			return moved, nil
		}

		for _, member := range members {
			claimed, err := p.state.Claim(ctx, p.queue, member)
			if err != nil {
				return moved, err
			}
			if !claimed {
				continue
			}

			job, err := decodeJob(p.queue, []byte(member))
			if err != nil {
				p.logger.Error("Dropping malformed delayed job",
					slog.String("error", err.Error()),
					slog.String("body", member),
				)
				continue
			}

			if err := p.pub.Publish(ctx, p.key, jobMessage(job, []byte(member), p.now())); err != nil {
				// parked again so the next round retries it
				if deferErr := p.state.Defer(context.WithoutCancel(ctx), p.queue, []byte(member), p.now()); deferErr != nil {
					p.logger.Error("Failed to park delayed job again",
						slog.String("job_id", job.ID),
						slog.String("error", deferErr.Error()),
					)
				}
				return moved, err
			}

			moved++
			p.logger.Debug("Delayed job promoted",
				slog.String("job_id", job.ID),
				slog.Int("attempt", job.Attempt),
			)
		}

		if len(members) < promoteBatch {
			return moved, nil
		}
	}
}

// stop ends the poll loop and waits for the current round
func (p *promoter) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.quit)
	p.mu.Unlock()

	if started {
		<-p.done
	}
}
