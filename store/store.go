// Package store holds the per-domain state the console renders from:
// system metrics, services, models, downloads and the activity feed.
//
// Each store is mutated only through its Apply method (called by the
// message router) or by a full refresh, and is safe for concurrent reads.
package store

import (
	"sync"
)

// Kind names the store a Change came from.
type Kind string

const (
	KindSystem   Kind = "system"
	KindService  Kind = "service"
	KindModel    Kind = "model"
	KindDownload Kind = "download"
	KindActivity Kind = "activity"
)

// Change describes a mutation. Key is empty for whole-store changes.
type Change struct {
	Kind Kind
	Key  string
}

// notifier fans changes out to listeners.
type notifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Change)
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[int]func(Change))}
}

func (n *notifier) subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *notifier) notify(c Change) {
	if n == nil {
		return
	}
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Options sizes the bounded stores.
type Options struct {
	MetricsHistory int // samples kept for charts
	ActivityLines  int // log_entry lines kept in the activity feed
}

// DefaultOptions keeps one minute of 1Hz samples and 200 activity lines.
func DefaultOptions() Options {
	return Options{MetricsHistory: 60, ActivityLines: 200}
}

// Stores groups every domain store behind one change feed.
type Stores struct {
	Metrics   *MetricsStore
	Services  *ServiceStore
	Models    *ModelStore
	Downloads *DownloadStore
	Activity  *ActivityFeed

	n *notifier
}

// New creates empty stores.
func New(opts Options) *Stores {
	if opts.MetricsHistory < 1 {
		opts.MetricsHistory = DefaultOptions().MetricsHistory
	}
	if opts.ActivityLines < 1 {
		opts.ActivityLines = DefaultOptions().ActivityLines
	}

	n := newNotifier()
	return &Stores{
		Metrics:   newMetricsStore(opts.MetricsHistory, n),
		Services:  newServiceStore(n),
		Models:    newModelStore(n),
		Downloads: newDownloadStore(n),
		Activity:  newActivityFeed(opts.ActivityLines, n),
		n:         n,
	}
}

// Subscribe registers fn for every change in any store. Listeners run on
// the goroutine that made the change and must not block.
func (s *Stores) Subscribe(fn func(Change)) (unsubscribe func()) {
	return s.n.subscribe(fn)
}
