package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAdd struct {
	name string
	opts AddOptions
}

type addRecorder struct {
	mu   sync.Mutex
	adds []recordedAdd
}

func (r *addRecorder) add(_ context.Context, name string, _ json.RawMessage, opts AddOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adds = append(r.adds, recordedAdd{name: name, opts: opts})
	return opts.JobID, nil
}

func newTestScheduler(t *testing.T) (*scheduler, *addRecorder) {
	t.Helper()
	state, _ := newTestState(t)
	rec := &addRecorder{}
	s := newScheduler("mail", state, rec.add, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.stop)
	return s, rec
}

func TestScheduler_UpsertIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	r := Repeatable{Name: "Heartbeat", Pattern: "0 * * * *"}

	created, err := s.upsert(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.upsert(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, s.scheduled())
}

func TestScheduler_InvalidPattern(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.upsert(context.Background(), Repeatable{Name: "Heartbeat", Pattern: "not a cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
	assert.Zero(t, s.scheduled())
}

func TestScheduler_FireOncePerTick(t *testing.T) {
	s, rec := newTestScheduler(t)
	now := time.Unix(1_700_000_000, 400_000_000)
	s.now = func() time.Time { return now }
	r := Repeatable{Name: "Heartbeat", Pattern: "@every 1m"}

	s.fire(r)
	s.fire(r)

	require.Len(t, rec.adds, 1)
	assert.Equal(t, "Heartbeat", rec.adds[0].name)
	assert.Equal(t, "repeat:Heartbeat::@every 1m:1700000000", rec.adds[0].opts.JobID)

	now = now.Add(time.Minute)
	s.fire(r)
	assert.Len(t, rec.adds, 2)
}

func TestScheduler_StopRejectsUpserts(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.stop()
	s.stop()

	_, err := s.upsert(context.Background(), Repeatable{Name: "Heartbeat", Pattern: "@hourly"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGuard(t *testing.T) {
	var g Guard

	require.NoError(t, g.Check())
	assert.True(t, g.Block(), "first block installs the guard")
	assert.False(t, g.Block(), "guard is installed once")
	assert.True(t, g.Blocked())
	assert.ErrorIs(t, g.Check(), ErrConnectionsBlocked)

	_, err := g.DialContext(context.Background(), "tcp", "127.0.0.1:6379")
	assert.ErrorIs(t, err, ErrConnectionsBlocked)
}

func TestGuard_DialsWhenOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var g Guard
	conn, err := g.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()
}
