package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) (*State, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewState(rdb, "test"), mr
}

func testJob() *Job {
	return &Job{
		ID:          "job-1",
		Queue:       "mail",
		Name:        "SendWelcome",
		Data:        json.RawMessage(`{"user_id":"u1"}`),
		Attempt:     1,
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		CreatedAt:   time.UnixMilli(1_700_000_000_000),
		TraceID:     "trace-abc",
	}
}

func TestState_TrackAndGet(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()

	created, err := state.Track(ctx, testJob())
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, mr.Exists("test:mail:job:job-1"))

	got, err := state.Get(ctx, "mail", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "SendWelcome", got.Name)
	assert.Equal(t, StatusDelayed, got.Status)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(got.Data))
	assert.Equal(t, 0, got.AttemptsMade)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Equal(t, 2*time.Second, got.Delay)
	assert.Equal(t, int64(1_700_000_000_000), got.CreatedAt.UnixMilli())
	assert.True(t, got.ProcessedOn.IsZero())
	assert.Equal(t, "trace-abc", got.TraceID)
	assert.False(t, got.Terminal())
}

func TestState_TrackKeepsExistingEntry(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	_, err := state.Track(ctx, testJob())
	require.NoError(t, err)
	require.NoError(t, state.MarkActive(ctx, testJob(), time.UnixMilli(1_700_000_001_000)))

	again := testJob()
	again.Data = json.RawMessage(`{"user_id":"u2"}`)
	created, err := state.Track(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := state.Get(ctx, "mail", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(got.Data))

	require.NoError(t, state.Remove(ctx, "mail", "job-1"))
	created, err = state.Track(ctx, again)
	require.NoError(t, err)
	assert.True(t, created, "a pruned id can be reused")
}

func TestState_DelayedSet(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, state.Defer(ctx, "mail", []byte(`late`), base.Add(time.Hour)))
	require.NoError(t, state.Defer(ctx, "mail", []byte(`soon`), base.Add(time.Second)))

	due, err := state.Due(ctx, "mail", base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = state.Due(ctx, "mail", base.Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, due)

	claimed, err := state.Claim(ctx, "mail", "soon")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = state.Claim(ctx, "mail", "soon")
	require.NoError(t, err)
	assert.False(t, claimed, "a parked job is claimed once")

	due, err = state.Due(ctx, "mail", base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, due)
}

func TestState_GetMissing(t *testing.T) {
	state, _ := newTestState(t)

	_, err := state.Get(context.Background(), "mail", "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestState_FinishAndRemove(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()
	job := testJob()
	job.Attempt = 3
	finishedAt := time.UnixMilli(1_700_000_005_000)

	_, err := state.Track(ctx, job)
	require.NoError(t, err)
	require.NoError(t, state.Finish(ctx, job, StatusFailed, nil, "smtp down", finishedAt))

	ids, err := state.Finished(ctx, "mail", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	got, err := state.Get(ctx, "mail", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "smtp down", got.FailedReason)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, finishedAt.UnixMilli(), got.FinishedOn.UnixMilli())
	assert.True(t, got.Exhausted())
	assert.True(t, got.Terminal())
	assert.Nil(t, got.Result)

	require.NoError(t, state.Remove(ctx, "mail", "job-1"))

	_, err = state.Get(ctx, "mail", "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	ids, err = state.Finished(ctx, "mail", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestState_FinishedRespectsLimitAndOrder(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		job := testJob()
		job.ID = id
		at := time.UnixMilli(int64(1000 * (i + 1)))
		require.NoError(t, state.Finish(ctx, job, StatusCompleted, json.RawMessage(`null`), "", at))
	}

	ids, err := state.Finished(ctx, "mail", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = state.Finished(ctx, "mail", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestState_MarkRetrying(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()
	job := testJob()

	require.NoError(t, state.MarkActive(ctx, job, time.UnixMilli(1_700_000_001_000)))
	require.NoError(t, state.MarkRetrying(ctx, job, "boom"))

	got, err := state.Get(ctx, "mail", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "boom", got.FailedReason)
	assert.False(t, got.Terminal())
	assert.False(t, got.ProcessedOn.IsZero())
}

func TestState_Repeatables(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()
	r := Repeatable{Name: "Heartbeat", Pattern: "*/5 * * * *"}

	created, err := state.AddRepeatable(ctx, "mail", r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = state.AddRepeatable(ctx, "mail", r)
	require.NoError(t, err)
	assert.False(t, created)

	list, err := state.Repeatables(ctx, "mail")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.Name, list[0].Name)
	assert.Equal(t, r.Pattern, list[0].Pattern)
}

func TestState_ClaimTick(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()
	tick := time.Unix(1_700_000_000, 0)

	ok, err := state.ClaimTick(ctx, "mail", "Heartbeat::@every 1m", tick, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = state.ClaimTick(ctx, "mail", "Heartbeat::@every 1m", tick, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a tick is claimed once")

	mr.FastForward(2 * time.Minute)
	ok, err = state.ClaimTick(ctx, "mail", "Heartbeat::@every 1m", tick, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claims expire")
}

func TestState_Ping(t *testing.T) {
	state, mr := newTestState(t)

	require.NoError(t, state.Ping(context.Background()))

	mr.Close()
	assert.Error(t, state.Ping(context.Background()))
}
