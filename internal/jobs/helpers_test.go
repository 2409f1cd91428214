package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/cuongbtq/jobkit/internal/broker"
)

const testQueue = "default"

type countingFactory struct {
	*broker.MemoryFactory

	opens   atomic.Int32
	closes  atomic.Int32
	openErr error
	onClose func()
}

func newCountingFactory(opts broker.Options) *countingFactory {
	return &countingFactory{MemoryFactory: broker.NewMemoryFactory(opts)}
}

func (f *countingFactory) Open(name string) (broker.Queue, error) {
	f.opens.Add(1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.MemoryFactory.Open(name)
}

func (f *countingFactory) Close() error {
	f.closes.Add(1)
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

type memoryStore struct {
	mu       sync.Mutex
	records  map[string]*audit.Record
	failNext int
	saves    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*audit.Record)}
}

func (s *memoryStore) Save(_ context.Context, rec *audit.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.failNext > 0 {
		s.failNext--
		return false, errors.New("database unavailable")
	}
	key := rec.Queue + "/" + rec.QueueID
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

func (s *memoryStore) all() []*audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// syncBuffer is a log sink safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func waitTerminal(t *testing.T, q broker.Queue, id string) *broker.JobState {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		st, err := q.Job(context.Background(), id)
		if err == nil && st.Terminal() {
			return st
		}
		time.Sleep(tick)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}
