package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldName         = "name"
	fieldData         = "data"
	fieldAttemptsMade = "attempts_made"
	fieldMaxAttempts  = "max_attempts"
	fieldDelayMS      = "delay_ms"
	fieldCreatedAt    = "created_at"
	fieldProcessedOn  = "processed_on"
	fieldFinishedOn   = "finished_on"
	fieldStatus       = "status"
	fieldResult       = "result"
	fieldFailedReason = "failed_reason"
	fieldTraceID      = "trace_id"
)

// State keeps per-job bookkeeping and recurring triggers in Redis:
//
//	{prefix}:{queue}:job:{id}           hash of job fields
//	{prefix}:{queue}:finished           zset of terminal job ids by finish time
//	{prefix}:{queue}:delayed            zset of encoded jobs by due time
//	{prefix}:{queue}:repeat             hash of trigger key to definition
//	{prefix}:{queue}:repeat:{key}:{ts}  claim marker for one trigger tick
type State struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewState creates the Redis-backed bookkeeping store
func NewState(rdb redis.UniversalClient, prefix string) *State {
	if prefix == "" {
		prefix = "jobkit"
	}
	return &State{rdb: rdb, prefix: prefix}
}

func (s *State) jobKey(queue, id string) string {
	return fmt.Sprintf("%s:%s:job:%s", s.prefix, queue, id)
}

func (s *State) finishedKey(queue string) string {
	return fmt.Sprintf("%s:%s:finished", s.prefix, queue)
}

func (s *State) delayedKey(queue string) string {
	return fmt.Sprintf("%s:%s:delayed", s.prefix, queue)
}

func (s *State) repeatKey(queue string) string {
	return fmt.Sprintf("%s:%s:repeat", s.prefix, queue)
}

func (s *State) tickKey(queue, key string, tick time.Time) string {
	return fmt.Sprintf("%s:%s:repeat:%s:%d", s.prefix, queue, key, tick.Unix())
}

func jobFields(job *Job) map[string]any {
	return map[string]any{
		fieldName:         job.Name,
		fieldData:         string(job.Data),
		fieldAttemptsMade: job.Attempt - 1,
		fieldMaxAttempts:  job.MaxAttempts,
		fieldDelayMS:      job.Delay.Milliseconds(),
		fieldCreatedAt:    job.CreatedAt.UnixMilli(),
		fieldTraceID:      job.TraceID,
	}
}

// Track records a newly enqueued job. It reports false without touching
// the entry when a job with the same id is still tracked.
func (s *State) Track(ctx context.Context, job *Job) (bool, error) {
	key := s.jobKey(job.Queue, job.ID)
	created, err := s.rdb.HSetNX(ctx, key, fieldName, job.Name).Result()
	if err != nil || !created {
		return false, err
	}

	fields := jobFields(job)
	fields[fieldStatus] = string(StatusWaiting)
	if job.Delay > 0 {
		fields[fieldStatus] = string(StatusDelayed)
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Untrack drops the entry of a job whose enqueue did not complete
func (s *State) Untrack(ctx context.Context, queue, id string) error {
	return s.rdb.Del(ctx, s.jobKey(queue, id)).Err()
}

// MarkActive records that an attempt started
func (s *State) MarkActive(ctx context.Context, job *Job, at time.Time) error {
	fields := jobFields(job)
	fields[fieldStatus] = string(StatusActive)
	fields[fieldProcessedOn] = at.UnixMilli()
	return s.rdb.HSet(ctx, s.jobKey(job.Queue, job.ID), fields).Err()
}

// MarkRetrying records a failed attempt that will be retried
func (s *State) MarkRetrying(ctx context.Context, job *Job, reason string) error {
	fields := jobFields(job)
	fields[fieldAttemptsMade] = job.Attempt
	fields[fieldStatus] = string(StatusDelayed)
	fields[fieldFailedReason] = reason
	return s.rdb.HSet(ctx, s.jobKey(job.Queue, job.ID), fields).Err()
}

// Finish records a terminal outcome and indexes the job as finished
func (s *State) Finish(ctx context.Context, job *Job, status Status, result json.RawMessage, reason string, at time.Time) error {
	fields := jobFields(job)
	fields[fieldAttemptsMade] = job.Attempt
	fields[fieldStatus] = string(status)
	fields[fieldFinishedOn] = at.UnixMilli()
	fields[fieldResult] = string(result)
	fields[fieldFailedReason] = reason

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.Queue, job.ID), fields)
		pipe.ZAdd(ctx, s.finishedKey(job.Queue), redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

// Defer parks an encoded job until due
func (s *State) Defer(ctx context.Context, queue string, body []byte, due time.Time) error {
	return s.rdb.ZAdd(ctx, s.delayedKey(queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(body),
	}).Err()
}

// Due lists up to limit parked jobs whose due time has passed, earliest
// first
func (s *State) Due(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

// Claim takes a parked job out of the delayed set. Only one caller gets
// true for a given member.
func (s *State) Claim(ctx context.Context, queue, body string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, s.delayedKey(queue), body).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get loads the bookkeeping entry of a job
func (s *State) Get(ctx context.Context, queue, id string) (*JobState, error) {
	values, err := s.rdb.HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrJobNotFound
	}

	state := &JobState{
		ID:           id,
		Queue:        queue,
		Name:         values[fieldName],
		Status:       Status(values[fieldStatus]),
		FailedReason: values[fieldFailedReason],
		TraceID:      values[fieldTraceID],
		AttemptsMade: atoi(values[fieldAttemptsMade]),
		MaxAttempts:  atoi(values[fieldMaxAttempts]),
		Delay:        time.Duration(atoi64(values[fieldDelayMS])) * time.Millisecond,
		CreatedAt:    unixMilli(values[fieldCreatedAt]),
		ProcessedOn:  unixMilli(values[fieldProcessedOn]),
		FinishedOn:   unixMilli(values[fieldFinishedOn]),
	}
	if v := values[fieldData]; v != "" {
		state.Data = json.RawMessage(v)
	}
	if v := values[fieldResult]; v != "" {
		state.Result = json.RawMessage(v)
	}
	return state, nil
}

// Finished lists up to limit terminal job ids, oldest first
func (s *State) Finished(ctx context.Context, queue string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.rdb.ZRange(ctx, s.finishedKey(queue), 0, int64(limit-1)).Result()
}

// Remove prunes a job entry and its finished index atomically
func (s *State) Remove(ctx context.Context, queue, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(queue, id))
		pipe.ZRem(ctx, s.finishedKey(queue), id)
		return nil
	})
	return err
}

// AddRepeatable stores a trigger unless an identical one exists
func (s *State) AddRepeatable(ctx context.Context, queue string, r Repeatable) (bool, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to encode repeatable: %w", err)
	}
	return s.rdb.HSetNX(ctx, s.repeatKey(queue), r.Key(), body).Result()
}

// Repeatables lists the stored triggers
func (s *State) Repeatables(ctx context.Context, queue string) ([]Repeatable, error) {
	values, err := s.rdb.HGetAll(ctx, s.repeatKey(queue)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Repeatable, 0, len(values))
	for key, body := range values {
		var r Repeatable
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("failed to decode repeatable %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ClaimTick reports whether the caller is the first to fire the trigger
// for the given tick
func (s *State) ClaimTick(ctx context.Context, queue, key string, tick time.Time, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.tickKey(queue, key, tick), 1, ttl).Result()
}

// Ping checks Redis connectivity
func (s *State) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis client
func (s *State) Close() error {
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func atoi64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func unixMilli(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(v))
}
