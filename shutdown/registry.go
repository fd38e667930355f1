// Package shutdown tears the console down in a fixed order and turns OS
// signals into context cancellation.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsconsole/core"
)

// Teardown priorities used by the console. Lower runs first.
const (
	PriorityLogStream = 10
	PriorityMonitor   = 20
	PriorityChannel   = 30
	PriorityServer    = 35
	PriorityWriter    = 40
	PriorityConsole   = 45
	PriorityDatabase  = 50
	PriorityLogger    = 90
)

type entry struct {
	name     string
	priority int
	fn       core.ShutdownFunc
}

// ShutdownRegistry runs registered teardown functions once, lowest
// priority first. Functions with equal priority run in registration order.
type ShutdownRegistry struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewShutdownRegistry returns an empty registry. logger may be nil.
func NewShutdownRegistry(logger *zap.Logger) *ShutdownRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownRegistry{logger: logger.Named("shutdown")}
}

// Register adds fn under name. Registering after Shutdown is ignored.
func (r *ShutdownRegistry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Debug("register after shutdown ignored", zap.String("name", name))
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, fn: fn})
}

// Shutdown runs every function even if earlier ones fail and returns
// their errors joined. Later calls return nil.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ordered := r.sorted()
	r.mu.Unlock()

	var errs []error
	for _, e := range ordered {
		start := time.Now()
		err := e.fn(ctx)
		fields := []zap.Field{
			zap.String("name", e.name),
			zap.Int("priority", e.priority),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			r.logger.Warn("teardown step failed", append(fields, zap.Error(err))...)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		r.logger.Debug("teardown step done", fields...)
	}
	return errors.Join(errs...)
}

// Names returns the registered names in execution order.
func (r *ShutdownRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordered := r.sorted()
	names := make([]string, len(ordered))
	for i, e := range ordered {
		names[i] = e.name
	}
	return names
}

// Count returns the number of registered functions.
func (r *ShutdownRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IsClosed reports whether Shutdown has run.
func (r *ShutdownRegistry) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// sorted must be called with r.mu held.
func (r *ShutdownRegistry) sorted() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}
