// Package audit is the decision recorder: one append-only trace per task.
//
// Dispatched and rejected tasks are recorded synchronously before the caller gets an
// answer. Cache-served tasks, and any trace whose synchronous write failed, go through
// the asynchronous batched writer. A failed write never blocks a response: it raises
// a critical event and the trace is spooled for retry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

var (
	ErrDuplicateTrace = errors.New("audit: trace already recorded for task")
	ErrTraceNotFound  = errors.New("audit: trace not found")
)

// Store persists traces. WriteBatch is all-or-nothing and fails with ErrDuplicateTrace
// when any task in the batch already has a trace.
type Store interface {
	WriteBatch(ctx context.Context, traces []domain.Trace) error
	Get(ctx context.Context, taskID string) (domain.Trace, error)
	// Range returns traces recorded inside r, oldest first, at most r.Limit.
	Range(ctx context.Context, r domain.TimeRange) ([]domain.Trace, error)
}

const (
	DefaultRangeLimit = 100
	MaxRangeLimit     = 1000
)

type Config struct {
	BufferSize    int           // Async queue capacity
	BatchSize     int           // Traces per bulk write
	FlushInterval time.Duration // Max time a queued trace waits
	WriteTimeout  time.Duration // Bound on every store write
	MaxRetained   int           // Failed traces kept for retry before the oldest are dropped
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = c.BufferSize
	}
	return c
}

// Observer counts write failures by path ("sync" or "async").
type Observer interface {
	TraceWriteFailed(path string)
}

type nopObserver struct{}

func (nopObserver) TraceWriteFailed(string) {}

type Option func(*Recorder)

func WithEventSink(s domain.EventSink) Option {
	return func(r *Recorder) { r.sink = s }
}

func WithObserver(o Observer) Option {
	return func(r *Recorder) { r.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

type Recorder struct {
	store    Store
	writer   *Writer
	cfg      Config
	sink     domain.EventSink
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]domain.Trace // Spooled by task id, not yet durable
}

func NewRecorder(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		store:    store,
		cfg:      cfg,
		sink:     domain.NopSink{},
		observer: nopObserver{},
		logger:   logger.Named("audit"),
		now:      time.Now,
		pending:  make(map[string]domain.Trace),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.writer = newWriter(store, writerConfig{
		buffer:      cfg.BufferSize,
		batchSize:   cfg.BatchSize,
		interval:    cfg.FlushInterval,
		timeout:     cfg.WriteTimeout,
		maxRetained: cfg.MaxRetained,
	}, r.logger)
	r.writer.settle = r.settle
	r.writer.failed = r.asyncFailed
	return r
}

func (r *Recorder) Start() { r.writer.Start() }

// Stop drains the async queue. Traces logged afterwards are dropped.
func (r *Recorder) Stop() { r.writer.Stop() }

// Backlog counts traces accepted but not yet durable.
func (r *Recorder) Backlog() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// QueueDepth counts traces waiting in the async queue.
func (r *Recorder) QueueDepth() int { return r.writer.Depth() }

// Append writes the trace synchronously within WriteTimeout. The caller's cancellation
// does not abort the write. On a store failure the trace is spooled to the async writer
// and a TraceWriteFailure error is returned; the caller should not fail the task on it.
func (r *Recorder) Append(ctx context.Context, t domain.Trace) (domain.Trace, error) {
	t = r.prepare(t)
	if r.isPending(t.TaskID) {
		return t, fmt.Errorf("task %s: %w", t.TaskID, ErrDuplicateTrace)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	err := r.store.WriteBatch(wctx, []domain.Trace{t})
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ErrDuplicateTrace) {
		return t, fmt.Errorf("task %s: %w", t.TaskID, ErrDuplicateTrace)
	}

	r.alert(ctx, "sync", t.TaskID, 1, err)
	r.spool(t)
	return t, &domain.GatewayError{
		Kind:   domain.KindTraceWriteFailure,
		Reason: "trace write failed, spooled for retry",
		Err:    err,
	}
}

// Log records the trace through the async writer.
func (r *Recorder) Log(t domain.Trace) domain.Trace {
	t = r.prepare(t)
	r.spool(t)
	return t
}

// Query returns the trace of a task, including one still waiting in the spool.
func (r *Recorder) Query(ctx context.Context, taskID string) (domain.Trace, error) {
	r.mu.Lock()
	t, ok := r.pending[taskID]
	r.mu.Unlock()
	if ok {
		return t, nil
	}

	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return domain.Trace{}, err
	}
	return t, nil
}

// QueryRange returns traces recorded inside tr, oldest first.
func (r *Recorder) QueryRange(ctx context.Context, tr domain.TimeRange) ([]domain.Trace, error) {
	if tr.Limit <= 0 {
		tr.Limit = DefaultRangeLimit
	}
	if tr.Limit > MaxRangeLimit {
		tr.Limit = MaxRangeLimit
	}
	if !tr.To.IsZero() && tr.To.Before(tr.From) {
		return nil, fmt.Errorf("audit: range end %s before start %s", tr.To, tr.From)
	}

	stored, err := r.store.Range(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}

	seen := make(map[string]struct{}, len(stored))
	out := make([]domain.Trace, 0, len(stored))
	for _, t := range stored {
		seen[t.TaskID] = struct{}{}
		out = append(out, t)
	}

	r.mu.Lock()
	for id, t := range r.pending {
		if _, dup := seen[id]; !dup && tr.Contains(t.RecordedAt) {
			out = append(out, t)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > tr.Limit {
		out = out[:tr.Limit]
	}
	return out, nil
}

func (r *Recorder) prepare(t domain.Trace) domain.Trace {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = r.now().UTC()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = t.RecordedAt
	}
	return t
}

func (r *Recorder) isPending(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[taskID]
	return ok
}

func (r *Recorder) spool(t domain.Trace) {
	r.mu.Lock()
	if _, dup := r.pending[t.TaskID]; dup {
		r.mu.Unlock()
		r.logger.Warn("duplicate trace not spooled", zap.String("task_id", t.TaskID))
		return
	}
	r.pending[t.TaskID] = t
	r.mu.Unlock()

	if !r.writer.Log(t) {
		r.settle([]domain.Trace{t})
		r.alert(context.Background(), "async", t.TaskID, 1, errors.New("trace queue unavailable"))
	}
}

func (r *Recorder) settle(traces []domain.Trace) {
	r.mu.Lock()
	for _, t := range traces {
		if p, ok := r.pending[t.TaskID]; ok && p.ID == t.ID {
			delete(r.pending, t.TaskID)
		}
	}
	r.mu.Unlock()
}

func (r *Recorder) asyncFailed(err error, held int) {
	r.alert(context.Background(), "async", "", held, err)
}

// alert reports lost durability: error log, metric and a critical event.
func (r *Recorder) alert(ctx context.Context, path, taskID string, held int, err error) {
	r.logger.Error("trace write failed",
		zap.String("path", path),
		zap.String("task_id", taskID),
		zap.Int("held", held),
		zap.Bool("alert", true),
		zap.Error(err))
	r.observer.TraceWriteFailed(path)

	r.sink.Emit(context.WithoutCancel(ctx), domain.Event{
		Type:     domain.EventTraceWriteFailure,
		Severity: domain.SeverityCritical,
		TaskID:   taskID,
		Message:  "decision trace could not be persisted",
		Attrs:    map[string]any{"path": path, "held": held, "error": err.Error()},
		At:       r.now().UTC(),
	})
}
