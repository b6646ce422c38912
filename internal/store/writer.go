package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

const writeTimeout = 5 * time.Second

type writeJob struct {
	kind string
	fn   func(ctx context.Context) error
}

// AsyncWriter runs persistence writes on a single background goroutine in
// submission order. Submit never blocks: when the queue is full the write is
// dropped and counted.
type AsyncWriter struct {
	jobs   chan writeJob
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	closeMu sync.Once
}

// NewAsyncWriter starts the worker. size <= 0 uses 256.
func NewAsyncWriter(size int, logger zerolog.Logger) *AsyncWriter {
	if size <= 0 {
		size = 256
	}
	w := &AsyncWriter{
		jobs:   make(chan writeJob, size),
		logger: logger.With().Str("component", "async_writer").Logger(),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit queues fn. It reports false if the write was dropped.
func (w *AsyncWriter) Submit(kind string, fn func(ctx context.Context) error) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		observability.RecordPersistenceFailure(kind)
		return false
	}

	select {
	case w.jobs <- writeJob{kind: kind, fn: fn}:
		return true
	default:
		observability.RecordPersistenceFailure(kind)
		w.logger.Warn().Str("kind", kind).Msg("Persistence queue full, dropping write")
		return false
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.execute(job)
	}
}

func (w *AsyncWriter) execute(job writeJob) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordPersistenceFailure(job.kind)
			w.logger.Error().Interface("panic", r).Str("kind", job.kind).Msg("Persistence write panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := job.fn(ctx); err != nil {
		observability.RecordPersistenceFailure(job.kind)
		w.logger.Error().Err(err).Str("kind", job.kind).Msg("Persistence write failed")
	}
}

// Close stops accepting writes and waits for queued ones, up to ctx.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.closeMu.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
