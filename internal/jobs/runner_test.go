package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/jobkit/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, factory *countingFactory, cfg RunnerConfig, defs ...Definition) (*Runner, *Queues) {
	t.Helper()
	reg := NewRegistry()
	reg.Register(defs...)
	queues := NewQueues(factory, discardLogger())
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = testQueue
	}
	runner := NewRunner(cfg, reg, queues, discardLogger())
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })
	return runner, queues
}

func TestRunner_StartSkipped(t *testing.T) {
	tests := []struct {
		name string
		cfg  RunnerConfig
	}{
		{name: "disabled", cfg: RunnerConfig{Enabled: false}},
		{name: "command process", cfg: RunnerConfig{Enabled: true, Command: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := newCountingFactory(broker.Options{})
			runner, _ := newTestRunner(t, factory, tt.cfg, sendWelcomeDef())

			require.NoError(t, runner.Start(context.Background()))

			assert.Equal(t, RunnerStopped, runner.State())
			assert.Zero(t, factory.opens.Load())
		})
	}
}

func TestRunner_StartTwiceRegistersOneTrigger(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	heartbeat := DefineFunc("Heartbeat", func(context.Context, any) (any, error) { return nil, nil },
		Every("*/5 * * * *"))
	runner, _ := newTestRunner(t, factory, RunnerConfig{Enabled: true}, heartbeat)
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	require.NoError(t, runner.Start(ctx))
	assert.Equal(t, RunnerRunning, runner.State())

	triggers, err := factory.Queue(testQueue).Repeatables(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "Heartbeat", triggers[0].Name)
	assert.Equal(t, "*/5 * * * *", triggers[0].Pattern)
}

func TestRunner_StartConfigurationError(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	factory.openErr = fmt.Errorf("%w: host is required", broker.ErrInvalidConfig)
	runner, _ := newTestRunner(t, factory, RunnerConfig{Enabled: true}, sendWelcomeDef())

	err := runner.Start(context.Background())

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, RunnerStopped, runner.State())
}

func TestRunner_StartInvalidTrigger(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	bad := DefineFunc("Bad", func(context.Context, any) (any, error) { return nil, nil }, Every("every tuesday"))
	runner, _ := newTestRunner(t, factory, RunnerConfig{Enabled: true}, bad)

	err := runner.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "register trigger for Bad")
	assert.Equal(t, RunnerStopped, runner.State())

	// no consumer was attached before the trigger failed
	ctx := context.Background()
	q := factory.Queue(testQueue)
	id, err := q.Add(ctx, "Bad", nil, broker.AddOptions{})
	require.NoError(t, err)
	assert.Never(t, func() bool {
		st, err := q.Job(ctx, id)
		return err != nil || st.Status != broker.StatusWaiting
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRunner_DispatchesToHandler(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	runner, queues := newTestRunner(t, factory, RunnerConfig{Enabled: true}, sendWelcomeDef())
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	q, err := queues.Get("mail")
	require.NoError(t, err)

	id, err := q.Add(ctx, "SendWelcome", json.RawMessage(`{"to":"a@b.com"}`), broker.AddOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, q, id)
	assert.Equal(t, broker.StatusCompleted, st.Status)
	assert.JSONEq(t, `{"sent_to":"a@b.com"}`, string(st.Result))
}

func TestRunner_UnknownJobFails(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	runner, queues := newTestRunner(t, factory, RunnerConfig{Enabled: true}, sendWelcomeDef())
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))

	_, err := runner.process(ctx, &broker.Job{ID: "1", Queue: "mail", Name: "Missing", Attempt: 1, MaxAttempts: 1})
	var unknown *UnknownJobError
	require.True(t, errors.As(err, &unknown))

	q, err := queues.Get("mail")
	require.NoError(t, err)
	id, err := q.Add(ctx, "Missing", nil, broker.AddOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, q, id)
	assert.Equal(t, broker.StatusFailed, st.Status)
	assert.Contains(t, st.FailedReason, `unknown job "Missing"`)
}

func TestRunner_HandlerErrorIsReturnedUnchanged(t *testing.T) {
	handlerErr := errors.New("smtp down")
	factory := newCountingFactory(broker.Options{})
	def := DefineFunc("SendWelcome", func(context.Context, greetInput) (any, error) { return nil, handlerErr })
	runner, _ := newTestRunner(t, factory, RunnerConfig{Enabled: true}, def)

	require.NoError(t, runner.Start(context.Background()))

	_, err := runner.process(context.Background(), &broker.Job{ID: "1", Queue: testQueue, Name: "SendWelcome", Attempt: 1, MaxAttempts: 3})
	assert.Same(t, handlerErr, err)
}

func TestRunner_RequeuesWhenNotRunning(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	runner, _ := newTestRunner(t, factory, RunnerConfig{Enabled: true}, sendWelcomeDef())

	_, err := runner.process(context.Background(), &broker.Job{ID: "1", Name: "SendWelcome"})
	assert.ErrorIs(t, err, broker.ErrRequeue)
}

func TestRunner_ShutdownWaitsForInflightJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	slow := DefineFunc("Slow", func(context.Context, any) (any, error) {
		close(started)
		<-release
		close(finished)
		return nil, nil
	})
	factory := newCountingFactory(broker.Options{})
	runner, queues := newTestRunner(t, factory, RunnerConfig{Enabled: true, DrainTimeout: 5 * time.Second}, slow)
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	q, err := queues.Get(testQueue)
	require.NoError(t, err)
	_, err = q.Add(ctx, "Slow", nil, broker.AddOptions{})
	require.NoError(t, err)
	<-started

	done := make(chan struct{})
	go func() {
		_ = runner.Shutdown(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.State() == RunnerDraining }, waitFor, tick)
	select {
	case <-done:
		t.Fatal("shutdown returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	select {
	case <-finished:
	default:
		t.Fatal("job did not finish before shutdown returned")
	}
	assert.Equal(t, RunnerStopped, runner.State())

	_, err = runner.process(ctx, &broker.Job{ID: "2", Name: "Slow"})
	assert.ErrorIs(t, err, broker.ErrRequeue, "stopped runner takes no new work")
}

func TestRunner_DrainTimeoutAbandonsJobs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	stuck := DefineFunc("Stuck", func(context.Context, any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	reg := NewRegistry()
	reg.Register(stuck)
	logger, logs := newTestLogger()
	queues := NewQueues(newCountingFactory(broker.Options{}), logger)
	runner := NewRunner(RunnerConfig{Enabled: true, DefaultQueue: testQueue, DrainTimeout: 50 * time.Millisecond}, reg, queues, logger)
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	q, err := queues.Get(testQueue)
	require.NoError(t, err)
	id, err := q.Add(ctx, "Stuck", nil, broker.AddOptions{})
	require.NoError(t, err)
	<-started

	start := time.Now()
	require.NoError(t, runner.Shutdown(ctx))

	assert.Less(t, time.Since(start), time.Second, "shutdown does not hang")
	assert.Equal(t, RunnerStopped, runner.State())
	assert.Contains(t, logs.String(), "Drain timeout exceeded, abandoning in-flight jobs")
	assert.Contains(t, logs.String(), id)
}

func TestRunnerState_String(t *testing.T) {
	assert.Equal(t, "stopped", RunnerStopped.String())
	assert.Equal(t, "starting", RunnerStarting.String())
	assert.Equal(t, "running", RunnerRunning.String())
	assert.Equal(t, "draining", RunnerDraining.String())
}
