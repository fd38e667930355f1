// Package core holds the domain types shared by the console packages,
// together with configuration loading and the structured error codes.
package core

import (
	"encoding/json"
	"time"
)

// ServiceStatus is the lifecycle state of a managed container.
type ServiceStatus string

const (
	ServiceHealthy    ServiceStatus = "healthy"
	ServiceRunning    ServiceStatus = "running"
	ServiceStarting   ServiceStatus = "starting"
	ServiceRestarting ServiceStatus = "restarting"
	ServiceStopped    ServiceStatus = "stopped"
	ServiceExited     ServiceStatus = "exited"
	ServicePaused     ServiceStatus = "paused"
	ServiceUnknown    ServiceStatus = "unknown"
)

// IsUp reports whether the service counts as healthy for scoring.
func (s ServiceStatus) IsUp() bool {
	return s == ServiceHealthy || s == ServiceRunning
}

// ServiceCategory separates appliance core services from optional extensions.
type ServiceCategory string

const (
	CategoryCore      ServiceCategory = "core"
	CategoryExtension ServiceCategory = "extension"
)

// ServiceSnapshot is the last known state of one container.
// The backend sends the category in the "type" field.
type ServiceSnapshot struct {
	Name          string          `json:"name"`
	DisplayName   string          `json:"display_name,omitempty"`
	ContainerName string          `json:"container_name,omitempty"`
	Status        ServiceStatus   `json:"status"`
	CPUPercent    float64         `json:"cpu_percent"`
	MemoryMB      float64         `json:"memory_mb"`
	Port          int             `json:"port,omitempty"`
	Category      ServiceCategory `json:"type,omitempty"`
	GPUEnabled    bool            `json:"gpu_enabled,omitempty"`
	Image         string          `json:"image,omitempty"`
}

// ModelSnapshot is the last known state of an installed or available model.
type ModelSnapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Status    string `json:"status,omitempty"`
	Active    bool   `json:"active,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
}

// CPUMetrics is the host CPU section of a system snapshot.
type CPUMetrics struct {
	Percent float64 `json:"percent"`
	Cores   int     `json:"cores,omitempty"`
}

// MemoryMetrics is reported in bytes.
type MemoryMetrics struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// GPUMetrics describes a single GPU.
type GPUMetrics struct {
	Name        string  `json:"name,omitempty"`
	Utilization float64 `json:"utilization"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	Temperature float64 `json:"temperature"`
}

// DiskMetrics is reported in bytes.
type DiskMetrics struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// SystemMetrics is one system_update snapshot.
type SystemMetrics struct {
	CPU    CPUMetrics    `json:"cpu"`
	Memory MemoryMetrics `json:"memory"`
	GPU    []GPUMetrics  `json:"gpu"`
	Disk   DiskMetrics   `json:"disk"`
	Uptime float64       `json:"uptime,omitempty"`
}

// PeakGPUUtilization returns the highest utilization across all GPUs,
// or 0 when the host has none.
func (m SystemMetrics) PeakGPUUtilization() float64 {
	var peak float64
	for _, g := range m.GPU {
		if g.Utilization > peak {
			peak = g.Utilization
		}
	}
	return peak
}

// DownloadStatus is the lifecycle state of a model download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// NormalizeDownloadStatus maps backend spellings onto the known states.
// Unrecognized non-empty values are treated as in progress.
func NormalizeDownloadStatus(s string) DownloadStatus {
	switch s {
	case "", "initializing", "queued", "pending":
		return DownloadPending
	case "completed", "complete", "done":
		return DownloadCompleted
	case "failed", "error":
		return DownloadFailed
	case "cancelled", "canceled":
		return DownloadCancelled
	default:
		return DownloadDownloading
	}
}

// IsTerminal reports whether no further transitions will occur.
func (s DownloadStatus) IsTerminal() bool {
	return s == DownloadCompleted || s == DownloadFailed || s == DownloadCancelled
}

// DownloadTask is the client-side record of one download.
type DownloadTask struct {
	TaskID    string         `json:"task_id"`
	ModelID   string         `json:"model_id"`
	Backend   string         `json:"backend,omitempty"`
	Progress  float64        `json:"progress"`
	Status    DownloadStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Speed     float64        `json:"speed,omitempty"`
	ETA       float64        `json:"eta,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DownloadUpdate is one status report from the backend, either polled or
// pushed as download_progress. Zero-valued fields were not reported.
type DownloadUpdate struct {
	TaskID   string   `json:"task_id,omitempty"`
	ModelID  string   `json:"model_id,omitempty"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Error    string   `json:"error,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	ETA      *float64 `json:"eta,omitempty"`
}

// Merge applies u on top of t and returns the result.
func (t DownloadTask) Merge(u DownloadUpdate, now time.Time) DownloadTask {
	if u.ModelID != "" {
		t.ModelID = u.ModelID
	}
	if u.Status != "" {
		t.Status = NormalizeDownloadStatus(u.Status)
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Speed != nil {
		t.Speed = *u.Speed
	}
	if u.ETA != nil {
		t.ETA = *u.ETA
	}
	if u.Error != "" {
		t.Error = u.Error
	}
	t.UpdatedAt = now
	return t
}

// DownloadRequest initiates a model download.
type DownloadRequest struct {
	ModelID  string          `json:"model_id"`
	Backend  string          `json:"backend"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// LogSource is one discoverable log origin (container, system journal, file).
type LogSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// LogQuery is the body of a history search.
type LogQuery struct {
	Sources []string   `json:"sources"`
	Levels  []LogLevel `json:"levels,omitempty"`
	Search  string     `json:"search,omitempty"`
	Limit   int        `json:"limit"`
}
