package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire format of a job message
type envelope struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// eventMessage is the wire format of a lifecycle notification
type eventMessage struct {
	Queue  string `json:"queue"`
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
}

func encodeJob(job *Job) ([]byte, error) {
	body, err := json.Marshal(envelope{
		ID:          job.ID,
		Name:        job.Name,
		Data:        job.Data,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		DelayMS:     job.Delay.Milliseconds(),
		CreatedAt:   job.CreatedAt.UnixMilli(),
		TraceID:     job.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return body, nil
}

func decodeJob(queue string, body []byte) (*Job, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Name == "" {
		return nil, fmt.Errorf("%w: missing id or name", ErrMalformed)
	}

	attempt := env.Attempt
	if attempt < 1 {
		attempt = 1
	}
	maxAttempts := env.MaxAttempts
	if maxAttempts < attempt {
		maxAttempts = attempt
	}

	return &Job{
		ID:          env.ID,
		Queue:       queue,
		Name:        env.Name,
		Data:        env.Data,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       time.Duration(env.DelayMS) * time.Millisecond,
		CreatedAt:   time.UnixMilli(env.CreatedAt),
		TraceID:     env.TraceID,
	}, nil
}

// Backoff returns the wait before retrying after the given failed attempt:
// base doubled for every attempt already made
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	return base * time.Duration(uint(1)<<uint(shift))
}
