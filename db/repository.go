package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"opsconsole/core"
)

// Preference keys written by the console.
const (
	PrefLogMaxLines    = "logs.max_lines"
	PrefLogSource      = "logs.source"
	PrefLogLevels      = "logs.levels"
	PrefPollInterval   = "downloads.poll_interval"
	DefaultRecentLimit = 50
)

// Preferences stores JSON-encoded values by key.
type Preferences struct {
	db  *Database
	now func() time.Time
}

// Get decodes the value stored under key into out. found is false when
// the key has never been set.
func (p *Preferences) Get(ctx context.Context, key string, out any) (found bool, err error) {
	conn, err := p.db.acquire()
	if err != nil {
		return false, err
	}

	var raw string
	err = conn.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read preference %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("decode preference %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous value.
func (p *Preferences) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("preference key is empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	conn, err := p.db.acquire()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), p.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("write preference %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (p *Preferences) Delete(ctx context.Context, key string) error {
	conn, err := p.db.acquire()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	return nil
}

func (p *Preferences) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// DownloadHistory keeps one row per download that reached a terminal state.
type DownloadHistory struct {
	db     *Database
	writer *AsyncWriter[core.DownloadTask]
}

// RecordTerminal queues task for insertion without blocking the caller.
// Non-terminal tasks are ignored.
func (h *DownloadHistory) RecordTerminal(task core.DownloadTask) {
	if !task.Status.IsTerminal() || task.TaskID == "" {
		return
	}
	if err := h.writer.Enqueue(task); err != nil {
		h.db.logger.Warn("download history write dropped",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

// Insert writes task synchronously. A second insert for the same task id
// replaces the first.
func (h *DownloadHistory) Insert(ctx context.Context, task core.DownloadTask) error {
	conn, err := h.db.acquire()
	if err != nil {
		return err
	}
	finished := task.UpdatedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO download_history (task_id, model_id, backend, status, progress, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			model_id = excluded.model_id,
			backend = excluded.backend,
			status = excluded.status,
			progress = excluded.progress,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		task.TaskID, task.ModelID, task.Backend, string(task.Status),
		task.Progress, task.Error, finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert download history %s: %w", task.TaskID, err)
	}
	return nil
}

// Recent returns up to limit finished downloads, newest first.
func (h *DownloadHistory) Recent(ctx context.Context, limit int) ([]core.DownloadTask, error) {
	if limit < 1 {
		limit = DefaultRecentLimit
	}
	conn, err := h.db.acquire()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT task_id, model_id, backend, status, progress, error, finished_at
		FROM download_history
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query download history: %w", err)
	}
	defer rows.Close()

	var out []core.DownloadTask
	for rows.Next() {
		var (
			task     core.DownloadTask
			status   string
			finished int64
		)
		if err := rows.Scan(&task.TaskID, &task.ModelID, &task.Backend, &status,
			&task.Progress, &task.Error, &finished); err != nil {
			return nil, fmt.Errorf("scan download history: %w", err)
		}
		task.Status = core.DownloadStatus(status)
		task.UpdatedAt = time.UnixMilli(finished).UTC()
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate download history: %w", err)
	}
	return out, nil
}

// Purge deletes one history row and reports whether it existed.
func (h *DownloadHistory) Purge(ctx context.Context, taskID string) (bool, error) {
	conn, err := h.db.acquire()
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM download_history WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("purge download history %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("purge download history %s: %w", taskID, err)
	}
	return n > 0, nil
}
