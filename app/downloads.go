package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"opsconsole/core"
	"opsconsole/db"
	"opsconsole/tasks"
)

// DownloadModel starts a download and tracks it until it finishes, fails,
// is cancelled or the console closes. ctx covers only the start request;
// tracking outlives it. onProgress may be nil.
func (c *Console) DownloadModel(ctx context.Context, req core.DownloadRequest, onProgress func(core.DownloadTask), opts ...tasks.TrackOption) (*tasks.Tracking, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	taskID, err := c.monitor.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.monitor.Track(c.ctx, taskID, onProgress, c.trackOptions(opts)...)
}

// TrackDownload attaches to a task started elsewhere.
func (c *Console) TrackDownload(taskID string, onProgress func(core.DownloadTask), opts ...tasks.TrackOption) (*tasks.Tracking, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return c.monitor.Track(c.ctx, taskID, onProgress, c.trackOptions(opts)...)
}

// CancelDownload stops local tracking of taskID. The backend task is not
// touched; its store record keeps the last known state.
func (c *Console) CancelDownload(taskID string) bool {
	return c.monitor.Cancel(taskID)
}

// ResumeDownloads loads the backend's download list into the store and
// tracks every task that has not finished.
func (c *Console) ResumeDownloads(ctx context.Context) error {
	updates, err := c.client.ListDownloads(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	resumed := 0
	for _, u := range updates {
		if u.TaskID == "" {
			continue
		}
		task := c.stores.Downloads.Merge(u.TaskID, u, now)
		if task.Status.IsTerminal() {
			continue
		}
		_, err := c.monitor.Track(c.ctx, task.TaskID, nil, c.trackOptions(nil)...)
		if err != nil && !errors.Is(err, tasks.ErrAlreadyTracked) {
			return err
		}
		if err == nil {
			resumed++
		}
	}
	if resumed > 0 {
		c.logger.Info("Resumed download tracking", zap.Int("tasks", resumed))
	}
	return nil
}

// DownloadHistory returns finished downloads, newest first. It is empty
// when the console runs without a database.
func (c *Console) DownloadHistory(ctx context.Context, limit int) ([]core.DownloadTask, error) {
	if c.db == nil {
		return nil, nil
	}
	return c.db.History().Recent(ctx, limit)
}

// PurgeDownload drops a task from the live store and from history.
func (c *Console) PurgeDownload(ctx context.Context, taskID string) (bool, error) {
	removed := c.stores.Downloads.Purge(taskID)
	if c.db == nil {
		return removed, nil
	}
	inHistory, err := c.db.History().Purge(ctx, taskID)
	return removed || inHistory, err
}

// SetPollInterval changes the interval for downloads tracked from now on
// and remembers it.
func (c *Console) SetPollInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return core.ErrInvalidConfig("poll_interval", d.String(), "must be positive")
	}
	c.mu.Lock()
	c.pollInterval = d
	c.mu.Unlock()
	return c.savePreference(ctx, db.PrefPollInterval, d)
}

func (c *Console) trackOptions(extra []tasks.TrackOption) []tasks.TrackOption {
	c.mu.Lock()
	d := c.pollInterval
	c.mu.Unlock()
	opts := make([]tasks.TrackOption, 0, len(extra)+1)
	if d > 0 {
		opts = append(opts, tasks.WithPollInterval(d))
	}
	return append(opts, extra...)
}

func (c *Console) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
