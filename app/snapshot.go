package app

import (
	"time"

	"opsconsole/core"
	"opsconsole/health"
	"opsconsole/store"
)

// ConnectionState describes the push channel for a status indicator.
type ConnectionState struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	GaveUp    bool   `json:"gave_up"`
	Breaker   string `json:"breaker"`
	LastError string `json:"last_error,omitempty"`
}

// LogState describes the live log stream.
type LogState struct {
	Source    string `json:"source,omitempty"`
	Status    string `json:"status"`
	Streaming bool   `json:"streaming"`
	Lines     int    `json:"lines"`
	MaxLines  int    `json:"max_lines"`
	LastError string `json:"last_error,omitempty"`
}

// State is a point-in-time copy of everything a UI renders.
type State struct {
	Connection       ConnectionState        `json:"connection"`
	Metrics          *core.SystemMetrics    `json:"metrics,omitempty"`
	MetricsUpdatedAt *time.Time             `json:"metrics_updated_at,omitempty"`
	History          []store.Sample         `json:"history"`
	Services         []core.ServiceSnapshot `json:"services"`
	Models           []core.ModelSnapshot   `json:"models"`
	Downloads        []core.DownloadTask    `json:"downloads"`
	Activity         []core.LogEntry        `json:"activity"`
	Health           health.Report          `json:"health"`
	Logs             LogState               `json:"logs"`
}

// Connection returns the push channel status.
func (c *Console) Connection() ConnectionState {
	cs := ConnectionState{
		State:     c.push.State().String(),
		Connected: c.push.Connected(),
		GaveUp:    c.push.GaveUp(),
		Breaker:   c.push.BreakerState(),
	}
	if err := c.push.LastError(); err != nil {
		cs.LastError = err.Error()
	}
	return cs
}

// Snapshot copies the current state. Each store is read atomically; the
// snapshot as a whole is not a single transaction.
func (c *Console) Snapshot() State {
	s := State{
		Connection: c.Connection(),
		History:    c.stores.Metrics.History(),
		Services:   c.stores.Services.List(),
		Models:     c.stores.Models.List(),
		Downloads:  c.stores.Downloads.List(),
		Activity:   c.stores.Activity.Entries(),
		Health:     c.Health(),
		Logs: LogState{
			Source:    c.logs.Source(),
			Status:    c.logs.Status().String(),
			Streaming: c.logs.Streaming(),
			Lines:     len(c.logs.Entries()),
			MaxLines:  c.logs.MaxLines(),
		},
	}
	if m, at, ok := c.stores.Metrics.Latest(); ok {
		s.Metrics = &m
		s.MetricsUpdatedAt = &at
	}
	if err := c.logs.LastError(); err != nil {
		s.Logs.LastError = err.Error()
	}
	return s
}
