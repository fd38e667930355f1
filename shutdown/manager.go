package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"opsconsole/core"
)

// DefaultTimeout bounds the whole teardown.
const DefaultTimeout = 30 * time.Second

// Manager ties signal handling, in-flight operation tracking and the
// teardown registry together for the console process.
//
//	m := shutdown.NewManager(logger)
//	m.Register("database", shutdown.PriorityDatabase, db.Close)
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
	signals  *SignalCounter

	mu       sync.Mutex
	started  bool
	shutdown bool
	sigCh    chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets how long Shutdown may take in total.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithExit replaces os.Exit for the forced path.
func WithExit(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager returns a Manager whose context is live until the first
// signal or Trigger call.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  DefaultTimeout,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  &OperationTracker{},
		registry: NewShutdownRegistry(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("second signal received, exiting without teardown")
		m.exit(core.ExitInterrupted)
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Registry exposes the teardown registry.
func (m *Manager) Registry() *ShutdownRegistry {
	return m.registry
}

// Register adds a teardown function.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.sigCh = make(chan os.Signal, 2)
	signal.Notify(m.sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range m.sigCh {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Trigger begins shutdown without a signal, e.g. when a service host asks
// the console to stop.
func (m *Manager) Trigger(reason string) {
	m.logger.Info("shutdown requested", zap.String("reason", reason))
	m.cancel()
}

// Track runs fn as an in-flight operation. It fails with ErrTrackerClosed
// once Shutdown has started.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Active returns the number of tracked operations in flight.
func (m *Manager) Active() int {
	return m.tracker.Active()
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Shutdown stops accepting operations, waits for in-flight ones and runs
// the registry, all within the configured timeout. Only the first call
// does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	sigCh := m.sigCh
	m.mu.Unlock()

	m.cancel()
	if sigCh != nil {
		signal.Stop(sigCh)
		close(sigCh)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.tracker.Close()
	if n := m.tracker.Active(); n > 0 {
		m.logger.Info("waiting for in-flight operations", zap.Int("active", n))
	}
	if err := m.tracker.Wait(ctx); err != nil {
		m.logger.Warn("in-flight operations did not finish", zap.Int("active", m.tracker.Active()))
	}

	// Teardown always gets at least a second even if the wait used it all.
	runCtx := ctx
	if remaining := m.timeout - time.Since(start); remaining < time.Second {
		var runCancel context.CancelFunc
		runCtx, runCancel = context.WithTimeout(context.Background(), time.Second)
		defer runCancel()
	}

	m.logger.Info("tearing down", zap.Strings("steps", m.registry.Names()))
	if err := m.registry.Shutdown(runCtx); err != nil {
		m.logger.Error("shutdown finished with errors", zap.Duration("took", time.Since(start)), zap.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	m.logger.Info("shutdown complete", zap.Duration("took", time.Since(start)))
	return nil
}
