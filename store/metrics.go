package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"opsconsole/core"
	"opsconsole/ringbuf"
)

// Sample is one point on the resource charts.
type Sample struct {
	At     time.Time `json:"at"`
	CPU    float64   `json:"cpu"`
	Memory float64   `json:"memory"`
	GPU    float64   `json:"gpu"`
	Disk   float64   `json:"disk"`
}

// MetricsStore keeps the latest system snapshot and a bounded history.
type MetricsStore struct {
	mu          sync.RWMutex
	latest      core.SystemMetrics
	updatedAt   time.Time
	has         bool
	windowStart time.Time

	history *ringbuf.Ring[Sample]
	now     func() time.Time
	n       *notifier
}

func newMetricsStore(historyCap int, n *notifier) *MetricsStore {
	return &MetricsStore{
		history: ringbuf.New[Sample](historyCap),
		now:     time.Now,
		n:       n,
	}
}

// Apply handles a system_update payload. The snapshot is replaced, not merged.
func (s *MetricsStore) Apply(raw json.RawMessage) error {
	var m core.SystemMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode system metrics: %w", err)
	}
	s.Set(m)
	return nil
}

// Set replaces the snapshot and records a history sample.
func (s *MetricsStore) Set(m core.SystemMetrics) {
	now := s.now()
	sample := Sample{
		At:     now,
		CPU:    m.CPU.Percent,
		Memory: m.Memory.Percent,
		GPU:    m.PeakGPUUtilization(),
		Disk:   m.Disk.Percent,
	}

	s.mu.Lock()
	s.latest = m
	s.updatedAt = now
	s.has = true
	if _, ok := s.history.Push(sample); ok {
		if oldest, ok := s.history.Oldest(); ok {
			s.windowStart = oldest.At
		}
	} else if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.mu.Unlock()

	s.n.notify(Change{Kind: KindSystem})
}

// Latest returns the current snapshot and when it arrived.
// ok is false until the first update.
func (s *MetricsStore) Latest() (m core.SystemMetrics, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.updatedAt, s.has
}

// History returns the chart samples, oldest first.
func (s *MetricsStore) History() []Sample {
	return s.history.ToSlice()
}

// WindowStart is the timestamp of the oldest sample still on the chart.
func (s *MetricsStore) WindowStart() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowStart
}

// ResizeHistory changes how many samples are kept.
func (s *MetricsStore) ResizeHistory(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Resize(n)
	if oldest, ok := s.history.Oldest(); ok {
		s.windowStart = oldest.At
	}
}
