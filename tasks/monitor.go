// Package tasks tracks long-running backend operations (model downloads)
// by polling their status until they reach a terminal state.
//
// Each tracked task has exactly one poll goroutine. Polls never overlap:
// the next request is scheduled PollInterval after the previous response.
// Cancellation is client-local; it stops observation only and does not ask
// the backend to stop the download.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsconsole/core"
	"opsconsole/store"
	"opsconsole/telemetry"
)

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = time.Second

// StatusClient is the backend surface the monitor needs.
type StatusClient interface {
	StartDownload(ctx context.Context, req core.DownloadRequest) (string, error)
	DownloadStatus(ctx context.Context, taskID string) (core.DownloadUpdate, error)
}

// Recorder receives every task that reaches a terminal state on the server.
type Recorder interface {
	RecordTerminal(task core.DownloadTask)
}

// Config holds the monitor configuration. Only the client is required.
type Config struct {
	PollInterval time.Duration
	Store        *store.DownloadStore
	Recorder     Recorder
	Metrics      *telemetry.Metrics
	Logger       *zap.Logger
}

// Monitor owns the poll loops. Create one with New and release it with Close.
type Monitor struct {
	client StatusClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	live   map[string]*Tracking
	closed bool
}

// New creates a monitor that polls through client.
func New(client StatusClient, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.Named("tasks"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*Tracking),
	}
}

// TrackOption customizes a single Track call.
type TrackOption func(*trackOptions)

type trackOptions struct {
	interval time.Duration
	timeout  time.Duration
}

// WithPollInterval overrides the monitor's poll interval for one task.
func WithPollInterval(d time.Duration) TrackOption {
	return func(o *trackOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout stops tracking with ErrTrackingTimeout after d.
func WithTimeout(d time.Duration) TrackOption {
	return func(o *trackOptions) {
		o.timeout = d
	}
}

// Submit starts a download on the backend and records it as pending.
// It does not start tracking.
func (m *Monitor) Submit(ctx context.Context, req core.DownloadRequest) (string, error) {
	if m.isClosed() {
		return "", ErrMonitorClosed
	}
	taskID, err := m.client.StartDownload(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start download of %s: %w", req.ModelID, err)
	}
	if m.cfg.Store != nil {
		m.cfg.Store.Upsert(core.DownloadTask{
			TaskID:    taskID,
			ModelID:   req.ModelID,
			Backend:   req.Backend,
			Status:    core.DownloadPending,
			UpdatedAt: m.now(),
		})
	}
	m.logger.Info("Download submitted",
		zap.String("task_id", taskID),
		zap.String("model_id", req.ModelID),
		zap.String("backend", req.Backend),
	)
	return taskID, nil
}

// Download submits req and tracks the resulting task.
func (m *Monitor) Download(ctx context.Context, req core.DownloadRequest, onProgress func(core.DownloadTask), opts ...TrackOption) (*Tracking, error) {
	taskID, err := m.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Track(ctx, taskID, onProgress, opts...)
}

// Track starts polling taskID. onProgress, which may be nil, receives the
// merged task after every successful poll; progress is "latest known" and
// may go backwards if the server reports it so.
//
// Tracking ends when the task reaches a terminal state, on Cancel, on
// timeout, when ctx is cancelled or when the monitor is closed. A second
// Track for a live task fails with ErrAlreadyTracked.
func (m *Monitor) Track(ctx context.Context, taskID string, onProgress func(core.DownloadTask), opts ...TrackOption) (*Tracking, error) {
	o := trackOptions{interval: m.cfg.PollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMonitorClosed
	}
	if _, ok := m.live[taskID]; ok {
		m.mu.Unlock()
		ce := core.ErrAlreadyTracked(taskID)
		ce.Err = ErrAlreadyTracked
		return nil, ce
	}

	var (
		pollCtx context.Context
		cancel  context.CancelFunc
	)
	if o.timeout > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, o.timeout)
	} else {
		pollCtx, cancel = context.WithCancel(ctx)
	}
	stopOnClose := context.AfterFunc(m.ctx, cancel)

	tr := &Tracking{
		TaskID:     taskID,
		done:       make(chan struct{}),
		onProgress: onProgress,
		cancel:     cancel,
		task:       core.DownloadTask{TaskID: taskID, Status: core.DownloadPending},
	}
	if m.cfg.Store != nil {
		if existing, ok := m.cfg.Store.Get(taskID); ok {
			tr.task = existing
		}
	}
	m.live[taskID] = tr
	n := len(m.live)
	m.wg.Add(1)
	m.mu.Unlock()

	m.cfg.Metrics.SetTracked(n)
	m.logger.Debug("Tracking task", zap.String("task_id", taskID), zap.Duration("interval", o.interval))

	go func() {
		defer stopOnClose()
		m.poll(pollCtx, tr, o)
	}()
	return tr, nil
}

// Cancel stops tracking taskID. No progress callback for the task runs
// after Cancel returns, and the Tracking resolves with ErrTrackingCancelled.
// It must not be called from inside that task's progress callback.
// It reports whether the task was being tracked.
func (m *Monitor) Cancel(taskID string) bool {
	m.mu.Lock()
	tr, ok := m.live[taskID]
	if ok {
		delete(m.live, taskID)
	}
	n := len(m.live)
	m.mu.Unlock()
	if !ok {
		return false
	}

	tr.cbMu.Lock()
	tr.stopped = true
	tr.cbMu.Unlock()

	tr.cancel()
	tr.resolve(tr.lastTask(), ErrTrackingCancelled)
	m.cfg.Metrics.SetTracked(n)
	m.logger.Info("Stopped tracking task; the remote download continues", zap.String("task_id", taskID))
	return true
}

// Tracked returns the ids of live tasks in sorted order.
func (m *Monitor) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every poll loop and waits for them to exit. Live trackings
// resolve with ErrMonitorClosed.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for poll loops: %w", ctx.Err())
	}
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Monitor) isLive(tr *Tracking) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[tr.TaskID] == tr
}

func (m *Monitor) untrack(tr *Tracking) {
	m.mu.Lock()
	if m.live[tr.TaskID] == tr {
		delete(m.live, tr.TaskID)
	}
	n := len(m.live)
	m.mu.Unlock()
	m.cfg.Metrics.SetTracked(n)
}

func (m *Monitor) poll(ctx context.Context, tr *Tracking, o trackOptions) {
	defer m.wg.Done()
	defer m.untrack(tr)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			tr.resolve(tr.lastTask(), m.stopReason(ctx, tr, o))
			return
		case <-timer.C:
		}

		u, err := m.client.DownloadStatus(ctx, tr.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.cfg.Metrics.Poll("error")
			m.logger.Warn("Status poll failed, retrying on next tick",
				zap.String("task_id", tr.TaskID),
				zap.Error(err),
			)
			timer.Reset(o.interval)
			continue
		}

		task, ok := m.deliver(ctx, tr, u)
		if !ok {
			m.cfg.Metrics.Poll("discarded")
			continue
		}
		m.cfg.Metrics.Poll("ok")

		if task.Status.IsTerminal() {
			m.finish(tr, task)
			return
		}
		timer.Reset(o.interval)
	}
}

// deliver merges a poll response and invokes the progress callback, unless
// the tracking stopped while the request was in flight.
func (m *Monitor) deliver(ctx context.Context, tr *Tracking, u core.DownloadUpdate) (core.DownloadTask, bool) {
	tr.cbMu.Lock()
	defer tr.cbMu.Unlock()

	if tr.stopped || ctx.Err() != nil || !m.isLive(tr) {
		return core.DownloadTask{}, false
	}

	u.TaskID = tr.TaskID
	var task core.DownloadTask
	if m.cfg.Store != nil {
		task = m.cfg.Store.Merge(tr.TaskID, u, m.now())
	} else {
		task = tr.lastTask().Merge(u, m.now())
	}
	tr.setTask(task)

	if tr.onProgress != nil {
		tr.onProgress(task)
	}
	return task, true
}

func (m *Monitor) finish(tr *Tracking, task core.DownloadTask) {
	var err error
	switch task.Status {
	case core.DownloadFailed:
		reason := task.Error
		if reason == "" {
			reason = DefaultFailureReason
		}
		err = &TaskFailedError{TaskID: tr.TaskID, Reason: reason}
		m.logger.Warn("Download failed", zap.String("task_id", tr.TaskID), zap.String("reason", reason))
	case core.DownloadCancelled:
		err = ErrTaskCancelled
		m.logger.Info("Download cancelled by server", zap.String("task_id", tr.TaskID))
	default:
		m.logger.Info("Download completed",
			zap.String("task_id", tr.TaskID),
			zap.String("model_id", task.ModelID),
		)
	}

	if m.cfg.Recorder != nil {
		m.cfg.Recorder.RecordTerminal(task)
	}
	tr.resolve(task, err)
}

func (m *Monitor) stopReason(ctx context.Context, tr *Tracking, o trackOptions) error {
	tr.cbMu.Lock()
	stopped := tr.stopped
	tr.cbMu.Unlock()

	switch {
	case stopped:
		return ErrTrackingCancelled
	case m.ctx.Err() != nil:
		return ErrMonitorClosed
	case o.timeout > 0 && ctx.Err() == context.DeadlineExceeded:
		return ErrTrackingTimeout
	default:
		return ctx.Err()
	}
}
