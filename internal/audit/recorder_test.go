package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type flakyStore struct {
	*MemoryStore
	down   atomic.Bool
	writes atomic.Int32
}

func (s *flakyStore) WriteBatch(ctx context.Context, traces []domain.Trace) error {
	s.writes.Add(1)
	if s.down.Load() {
		return errors.New("connection refused")
	}
	return s.MemoryStore.WriteBatch(ctx, traces)
}

// cappedStore refuses batches over max rows, the way a database caps bind parameters.
type cappedStore struct {
	*flakyStore
	max int
}

func (s *cappedStore) WriteBatch(ctx context.Context, traces []domain.Trace) error {
	if len(traces) > s.max {
		return errors.New("too many bind parameters")
	}
	return s.flakyStore.WriteBatch(ctx, traces)
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type failures struct{ sync, async atomic.Int32 }

func (f *failures) TraceWriteFailed(path string) {
	if path == "sync" {
		f.sync.Add(1)
		return
	}
	f.async.Add(1)
}

// tick returns a clock that moves one second per reading.
func tick() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Second) }
}

func trace(taskID string, outcome domain.Outcome) domain.Trace {
	return domain.Trace{TaskID: taskID, Outcome: outcome}
}

func newRecorder(t *testing.T, store Store, opts ...Option) *Recorder {
	t.Helper()
	r := NewRecorder(store, Config{BatchSize: 2, FlushInterval: 10 * time.Millisecond}, zap.NewNop(),
		append([]Option{WithClock(tick())}, opts...)...)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestAppendAndQuery(t *testing.T) {
	store := NewMemoryStore()
	r := newRecorder(t, store)
	ctx := context.Background()

	saved, err := r.Append(ctx, trace("task-1", domain.OutcomeServed))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.RecordedAt.IsZero())

	got, err := r.Query(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	_, err = r.Append(ctx, trace("task-1", domain.OutcomeError))
	assert.ErrorIs(t, err, ErrDuplicateTrace)
	assert.Equal(t, 1, store.Len())

	_, err = r.Query(ctx, "nope")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestAppendSurvivesCallerCancel(t *testing.T) {
	store := NewMemoryStore()
	r := newRecorder(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Append(ctx, trace("task-1", domain.OutcomeRejected))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestLogIsAsyncAndOrdered(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, Config{BatchSize: 2, FlushInterval: time.Hour}, zap.NewNop(), WithClock(tick()))
	r.Start()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Log(trace(id, domain.OutcomeCacheServed))
	}
	// Readable before it is durable.
	got, err := r.Query(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCacheServed, got.Outcome)

	r.Stop()
	assert.Equal(t, 5, store.Len())
	assert.Zero(t, r.Backlog())

	list, err := r.QueryRange(context.Background(), domain.TimeRange{})
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, tr := range list {
		ids[i] = tr.TaskID
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestSyncFailureSpoolsAndAlerts(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	events := &sink{}
	obs := &failures{}
	r := newRecorder(t, store, WithEventSink(events), WithObserver(obs))
	ctx := context.Background()

	_, err := r.Append(ctx, trace("task-1", domain.OutcomeServed))
	require.Error(t, err)
	assert.Equal(t, domain.KindTraceWriteFailure, domain.KindOf(err))
	assert.EqualValues(t, 1, obs.sync.Load())

	evs := events.snapshot()
	require.NotEmpty(t, evs)
	assert.Equal(t, domain.EventTraceWriteFailure, evs[0].Type)
	assert.Equal(t, domain.SeverityCritical, evs[0].Severity)
	assert.Equal(t, "task-1", evs[0].TaskID)

	// Spooled: visible, not durable, and a second append for the task is refused.
	_, err = r.Query(ctx, "task-1")
	require.NoError(t, err)
	_, err = r.Append(ctx, trace("task-1", domain.OutcomeServed))
	assert.ErrorIs(t, err, ErrDuplicateTrace)
	assert.Zero(t, store.Len())

	// Retries while the store is down are reported too.
	require.Eventually(t, func() bool { return obs.async.Load() > 0 }, time.Second, 5*time.Millisecond)

	store.down.Store(false)
	require.Eventually(t, func() bool { return store.Len() == 1 && r.Backlog() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestBacklogIsWrittenInBatches(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore()}
	flaky.down.Store(true)
	store := &cappedStore{flakyStore: flaky, max: 2}
	obs := &failures{}
	r := newRecorder(t, store, WithObserver(obs))

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		r.Log(trace(id, domain.OutcomeCacheServed))
	}
	require.Eventually(t, func() bool { return obs.async.Load() > 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, flaky.Len())

	// The backlog is now larger than the store accepts in one write.
	flaky.down.Store(false)
	require.Eventually(t, func() bool { return flaky.Len() == 7 && r.Backlog() == 0 },
		time.Second, 5*time.Millisecond)

	list, err := r.QueryRange(context.Background(), domain.TimeRange{})
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, tr := range list {
		ids[i] = tr.TaskID
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, ids)
}

func TestAsyncDuplicateDoesNotSinkTheBatch(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.WriteBatch(context.Background(), []domain.Trace{{ID: "old", TaskID: "b"}}))
	r := NewRecorder(store, Config{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())
	r.Start()

	r.Log(trace("a", domain.OutcomeCacheServed))
	r.Log(trace("b", domain.OutcomeCacheServed))
	r.Log(trace("c", domain.OutcomeCacheServed))
	r.Stop()

	assert.Equal(t, 3, store.Len())
	old, err := store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "old", old.ID)
	assert.Zero(t, r.Backlog())
}

func TestLogAfterStopAlerts(t *testing.T) {
	events := &sink{}
	r := NewRecorder(NewMemoryStore(), Config{}, zap.NewNop(), WithEventSink(events))
	r.Start()
	r.Stop()

	r.Log(trace("late", domain.OutcomeCacheServed))
	assert.Zero(t, r.Backlog())
	require.Len(t, events.snapshot(), 1)
	_, err := r.Query(context.Background(), "late")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestQueryRange(t *testing.T) {
	r := newRecorder(t, NewMemoryStore())
	ctx := context.Background()
	var recorded []time.Time
	for _, id := range []string{"a", "b", "c", "d"} {
		saved, err := r.Append(ctx, trace(id, domain.OutcomeServed))
		require.NoError(t, err)
		recorded = append(recorded, saved.RecordedAt)
	}

	list, err := r.QueryRange(ctx, domain.TimeRange{From: recorded[1], To: recorded[3]})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].TaskID)
	assert.Equal(t, "c", list[1].TaskID)

	list, err = r.QueryRange(ctx, domain.TimeRange{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = r.QueryRange(ctx, domain.TimeRange{From: recorded[3], To: recorded[0]})
	assert.Error(t, err)
}
