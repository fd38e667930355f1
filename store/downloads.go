package store

import (
	"encoding/json"
	"fmt"
	"time"

	"opsconsole/core"
)

// DownloadStore holds one record per download task, keyed by task id.
// Terminal records stay until the caller purges them.
type DownloadStore struct {
	k   *keyed[core.DownloadTask]
	n   *notifier
	now func() time.Time
}

func newDownloadStore(n *notifier) *DownloadStore {
	return &DownloadStore{
		k:   newKeyed(func(t core.DownloadTask) string { return t.TaskID }),
		n:   n,
		now: time.Now,
	}
}

// Upsert stores task as the latest known state.
func (s *DownloadStore) Upsert(task core.DownloadTask) {
	s.k.put(task)
	s.n.notify(Change{Kind: KindDownload, Key: task.TaskID})
}

// ApplyProgress handles a download_progress push. The payload is matched by
// task_id when present, otherwise to every non-terminal task for the model.
// A download nobody here started is recorded as "model:<id>".
func (s *DownloadStore) ApplyProgress(modelID string, raw json.RawMessage) error {
	var u core.DownloadUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode download progress: %w", err)
	}
	if u.ModelID == "" {
		u.ModelID = modelID
	}
	now := s.now()

	if u.TaskID != "" {
		s.Merge(u.TaskID, u, now)
		return nil
	}
	if u.ModelID == "" {
		return ErrMissingKey
	}

	matched := false
	for _, task := range s.k.list() {
		if task.ModelID == u.ModelID && !task.Status.IsTerminal() {
			s.Merge(task.TaskID, u, now)
			matched = true
		}
	}
	if !matched {
		s.Merge("model:"+u.ModelID, u, now)
	}
	return nil
}

// Merge applies u to the record for taskID atomically, creating it if
// needed, and returns the result.
func (s *DownloadStore) Merge(taskID string, u core.DownloadUpdate, now time.Time) core.DownloadTask {
	task := s.k.update(taskID, func(task core.DownloadTask, exists bool) core.DownloadTask {
		if !exists {
			task.TaskID = taskID
		}
		return task.Merge(u, now)
	})
	s.n.notify(Change{Kind: KindDownload, Key: taskID})
	return task
}

// Get returns the task with the given id.
func (s *DownloadStore) Get(taskID string) (core.DownloadTask, bool) {
	return s.k.get(taskID)
}

// List returns all tasks in creation order.
func (s *DownloadStore) List() []core.DownloadTask {
	return s.k.list()
}

// Active returns tasks that have not reached a terminal state.
func (s *DownloadStore) Active() []core.DownloadTask {
	var out []core.DownloadTask
	for _, t := range s.k.list() {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// Purge removes one task record.
func (s *DownloadStore) Purge(taskID string) bool {
	if !s.k.remove(taskID) {
		return false
	}
	s.n.notify(Change{Kind: KindDownload, Key: taskID})
	return true
}

// PurgeTerminal removes every completed, failed or cancelled record and
// returns how many were removed.
func (s *DownloadStore) PurgeTerminal() int {
	removed := 0
	for _, t := range s.k.list() {
		if t.Status.IsTerminal() && s.k.remove(t.TaskID) {
			removed++
		}
	}
	if removed > 0 {
		s.n.notify(Change{Kind: KindDownload})
	}
	return removed
}
