package audit

/*
Файл writer.go реализует асинхронную половину рекордера: трассы идут в буферизованный
канал, единственный воркер пишет их пачками по таймеру или при заполнении пачки.

- Non-blocking: Log никогда не ждет хранилище. Переполнение очереди репортится алертом.
- Ordered: один воркер и один канал. Упавшие пачки повторяются раньше новых трасс.
- Batching: бэклог после сбоя пишется кусками не больше batchSize, как и обычный поток.
- Drain on stop: Stop закрывает канал, воркер вычитывает остаток и делает Final Flush.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type writerConfig struct {
	buffer      int
	batchSize   int
	interval    time.Duration
	timeout     time.Duration
	maxRetained int
}

// Writer пачками пишет трассы в хранилище в порядке логирования.
type Writer struct {
	ch     chan domain.Trace
	store  Store
	cfg    writerConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	// settle вызывается один раз для каждой трассы, покинувшей writer (записанной или выброшенной).
	settle func([]domain.Trace)
	// failed вызывается после сбоя записи с числом трасс, оставшихся на руках.
	failed func(err error, held int)

	mu     sync.RWMutex // Защищает closed от отправки в закрытый канал
	closed bool
}

func newWriter(store Store, cfg writerConfig, logger *zap.Logger) *Writer {
	return &Writer{
		ch:     make(chan domain.Trace, cfg.buffer),
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "trace-writer")),
		settle: func([]domain.Trace) {},
		failed: func(error, int) {},
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop закрывает очередь и ждет, пока воркер сбросит остаток
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	w.logger.Info("stopping trace writer: draining queue")
	w.wg.Wait()
	w.logger.Info("trace writer stopped")
}

// Log ставит трассу в очередь. false, если writer остановлен или очередь полна.
func (w *Writer) Log(t domain.Trace) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Warn("trace dropped: writer is stopping", zap.String("task_id", t.TaskID))
		return false
	}

	select {
	case w.ch <- t:
		return true
	default:
		w.logger.Error("trace_buffer_overflow",
			zap.String("task_id", t.TaskID),
			zap.String("trace_id", t.ID),
			zap.Bool("alert", true))
		return false
	}
}

// Depth counts traces waiting in the queue.
func (w *Writer) Depth() int { return len(w.ch) }

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.Trace, 0, w.cfg.batchSize)
	ticker := time.NewTicker(w.cfg.interval)
	defer ticker.Stop()

	failing := false
	flush := func() {
		if len(batch) == 0 {
			return
		}
		batch = w.flush(batch)
		failing = len(batch) > 0
	}

	for {
		select {
		case t, ok := <-w.ch:
			if !ok {
				flush()
				if len(batch) > 0 {
					w.logger.Error("trace writer stopped with unwritten traces",
						zap.Int("lost", len(batch)), zap.Bool("alert", true))
					w.settle(batch)
				}
				w.logger.Info("trace worker finished")
				return
			}
			batch = append(batch, t)
			// Пока хранилище лежит, повторяет только тикер: всплеск не превращается
			// в запись на каждую трассу.
			if !failing && len(batch) >= w.cfg.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush writes the backlog in chunks of at most batchSize and returns what must be
// retried. The first chunk that fails stops the pass so order is kept.
func (w *Writer) flush(batch []domain.Trace) []domain.Trace {
	var retained []domain.Trace
	for start := 0; start < len(batch); start += w.cfg.batchSize {
		end := min(start+w.cfg.batchSize, len(batch))
		left, err := w.flushChunk(batch[start:end])
		if err != nil {
			retained = append(retained, left...)
			retained = append(retained, batch[end:]...)
			w.failed(err, len(retained))
			break
		}
	}
	return w.trim(append(batch[:0], retained...))
}

// flushChunk writes one chunk. On failure it returns the traces of the chunk that
// are still unwritten together with the store error.
func (w *Writer) flushChunk(chunk []domain.Trace) ([]domain.Trace, error) {
	err := w.write(chunk)
	if err == nil {
		w.settle(chunk)
		return nil, nil
	}

	if errors.Is(err, ErrDuplicateTrace) && len(chunk) > 1 {
		// Один дубль не должен топить пачку: пишем по одной
		return w.flushEach(chunk)
	}
	if errors.Is(err, ErrDuplicateTrace) {
		w.logger.Warn("duplicate trace dropped", zap.String("task_id", chunk[0].TaskID))
		w.settle(chunk)
		return nil, nil
	}
	return chunk, err
}

func (w *Writer) flushEach(chunk []domain.Trace) ([]domain.Trace, error) {
	var retained []domain.Trace
	var lastErr error
	for _, t := range chunk {
		err := w.write([]domain.Trace{t})
		switch {
		case err == nil:
			w.settle([]domain.Trace{t})
		case errors.Is(err, ErrDuplicateTrace):
			w.logger.Warn("duplicate trace dropped", zap.String("task_id", t.TaskID))
			w.settle([]domain.Trace{t})
		default:
			lastErr = err
			retained = append(retained, t)
		}
	}
	return retained, lastErr
}

// trim выбрасывает самые старые трассы, когда бэклог повторов превысил лимит.
func (w *Writer) trim(batch []domain.Trace) []domain.Trace {
	over := len(batch) - w.cfg.maxRetained
	if over <= 0 {
		return batch
	}
	w.logger.Error("trace retry backlog full, dropping oldest",
		zap.Int("dropped", over), zap.Bool("alert", true))
	w.settle(batch[:over])
	return append(batch[:0], batch[over:]...)
}

func (w *Writer) write(batch []domain.Trace) error {
	// Контекст Background: контекст вызывающего к моменту записи давно мертв
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.timeout)
	defer cancel()
	return w.store.WriteBatch(ctx, batch)
}
