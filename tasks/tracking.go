package tasks

import (
	"context"
	"sync"

	"opsconsole/core"
)

// Tracking is the handle for one tracked task. It resolves exactly once.
type Tracking struct {
	TaskID string

	onProgress func(core.DownloadTask)
	cancel     context.CancelFunc

	// cbMu is held while the progress callback runs, so flipping stopped
	// under it means no callback is in flight or can start.
	cbMu    sync.Mutex
	stopped bool

	mu   sync.Mutex
	task core.DownloadTask

	once   sync.Once
	done   chan struct{}
	result core.DownloadTask
	err    error
}

// Done is closed when the tracking resolves.
func (t *Tracking) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the tracking resolves or ctx is done.
// A nil error means the task completed.
func (t *Tracking) Wait(ctx context.Context) (core.DownloadTask, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return t.lastTask(), ctx.Err()
	}
}

// Resolved reports whether the tracking has finished.
func (t *Tracking) Resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome once resolved. Before that it returns the
// latest known task and a nil error.
func (t *Tracking) Result() (core.DownloadTask, error) {
	if !t.Resolved() {
		return t.lastTask(), nil
	}
	return t.result, t.err
}

func (t *Tracking) resolve(task core.DownloadTask, err error) {
	t.once.Do(func() {
		t.result = task
		t.err = err
		close(t.done)
	})
}

func (t *Tracking) lastTask() core.DownloadTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

func (t *Tracking) setTask(task core.DownloadTask) {
	t.mu.Lock()
	t.task = task
	t.mu.Unlock()
}
