package store

import (
	"encoding/json"
	"fmt"

	"opsconsole/core"
	"opsconsole/ringbuf"
)

// ActivityFeed keeps the most recent log_entry pushes from the main channel.
type ActivityFeed struct {
	ring *ringbuf.Ring[core.LogEntry]
	n    *notifier
}

func newActivityFeed(capacity int, n *notifier) *ActivityFeed {
	return &ActivityFeed{ring: ringbuf.New[core.LogEntry](capacity), n: n}
}

// Apply appends a log_entry payload.
func (f *ActivityFeed) Apply(raw json.RawMessage) error {
	var e core.LogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("decode log entry: %w", err)
	}
	f.ring.Push(e)
	f.n.notify(Change{Kind: KindActivity})
	return nil
}

// Entries returns the feed, oldest first.
func (f *ActivityFeed) Entries() []core.LogEntry {
	return f.ring.ToSlice()
}

// Len returns the number of entries held.
func (f *ActivityFeed) Len() int {
	return f.ring.Len()
}
