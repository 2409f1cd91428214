package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobkit/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher sends a message to a routing key; *rabbitmq.Publisher
type publisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// acknowledger settles one delivery; amqp.Delivery
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settler records the outcome of an attempt and settles its delivery
type settler struct {
	topo    rabbitmq.Topology
	pub     publisher
	state   *State
	backoff time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// settle records the outcome, then acks. Any bookkeeping or publish error
// requeues the delivery so the attempt is not lost.
func (s *settler) settle(ctx context.Context, job *Job, result any, runErr error, d acknowledger) {
	if errors.Is(runErr, ErrRequeue) {
		if err := d.Nack(false, true); err != nil {
			s.logger.Error("Failed to NACK message",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := s.record(ctx, job, result, runErr); err != nil {
		s.logger.Error("Failed to record job outcome, requeueing",
			slog.String("job_id", job.ID),
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			s.logger.Error("Failed to NACK message",
				slog.String("job_id", job.ID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		s.logger.Error("Failed to ACK message",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *settler) record(ctx context.Context, job *Job, result any, runErr error) error {
	if runErr == nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode job result: %w", err)
		}
		if err := s.state.Finish(ctx, job, StatusCompleted, payload, "", s.now()); err != nil {
			return fmt.Errorf("failed to mark job completed: %w", err)
		}
		return s.notify(ctx, job, StatusCompleted)
	}

	if job.Attempt < job.MaxAttempts {
		return s.retry(ctx, job, runErr)
	}

	if err := s.state.Finish(ctx, job, StatusFailed, nil, runErr.Error(), s.now()); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.notify(ctx, job, StatusFailed)
}

// retry schedules the next attempt, parking it in the delayed set when a
// backoff applies
func (s *settler) retry(ctx context.Context, job *Job, runErr error) error {
	if err := s.state.MarkRetrying(ctx, job, runErr.Error()); err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}

	next := *job
	next.Attempt++
	body, err := encodeJob(&next)
	if err != nil {
		return err
	}

	delay := Backoff(s.backoff, job.Attempt)
	if delay > 0 {
		if err := s.state.Defer(ctx, job.Queue, body, s.now().Add(delay)); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
	} else if err := s.pub.Publish(ctx, s.topo.Queue, jobMessage(&next, body, s.now())); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.logger.Warn("Job attempt failed, retry scheduled",
		slog.String("job_id", job.ID),
		slog.String("job", job.Name),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("backoff", delay),
		slog.String("error", runErr.Error()),
	)
	return nil
}

func (s *settler) notify(ctx context.Context, job *Job, status Status) error {
	body, err := json.Marshal(eventMessage{Queue: job.Queue, JobID: job.ID, Status: status})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = s.pub.Publish(ctx, s.topo.Events, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   job.ID,
		Type:        string(status),
		Timestamp:   s.now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", status, err)
	}
	return nil
}
