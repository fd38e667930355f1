package db

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the number of writes that may be pending before
// Enqueue starts refusing them.
const DefaultQueueSize = 256

// ErrWriterStopped is returned by Enqueue after Stop.
var ErrWriterStopped = errors.New("db: async writer stopped")

// ErrQueueFull is returned when the queue has no room.
var ErrQueueFull = errors.New("db: async write queue full")

// AsyncWriter moves database writes off the caller's goroutine. Items are
// handled one at a time, in the order they were queued.
type AsyncWriter[T any] struct {
	name    string
	handle  func(context.Context, T) error
	logger  *zap.Logger
	queue   chan T
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	failed  int
}

// NewAsyncWriter starts a writer with a single worker goroutine. Handler
// errors are logged and do not stop the worker.
func NewAsyncWriter[T any](name string, size int, logger *zap.Logger, handle func(context.Context, T) error) *AsyncWriter[T] {
	if size < 1 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AsyncWriter[T]{
		name:   name,
		handle: handle,
		logger: logger.Named("async_writer").With(zap.String("writer", name)),
		queue:  make(chan T, size),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter[T]) run() {
	defer close(w.done)
	for item := range w.queue {
		if err := w.handle(context.Background(), item); err != nil {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			w.logger.Warn("async write failed", zap.Error(err))
		}
	}
}

// Enqueue queues item without blocking.
func (w *AsyncWriter[T]) Enqueue(item T) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrWriterStopped
	}
	select {
	case w.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued items not yet handled.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.queue)
}

// Failed returns how many handled items returned an error.
func (w *AsyncWriter[T]) Failed() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failed
}

// Stop refuses new items and waits for the queue to drain. If ctx ends
// first the worker keeps draining in the background and ctx's error is
// returned.
func (w *AsyncWriter[T]) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("async writer stop timed out", zap.Int("pending", len(w.queue)))
		return ctx.Err()
	}
}
