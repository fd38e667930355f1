package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"opsconsole/core"
)

// ServiceAction is a lifecycle command for a managed container.
type ServiceAction string

const (
	ActionStart   ServiceAction = "start"
	ActionStop    ServiceAction = "stop"
	ActionRestart ServiceAction = "restart"
)

// ParseServiceAction validates an action name.
func ParseServiceAction(s string) (ServiceAction, error) {
	switch a := ServiceAction(s); a {
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	default:
		return "", fmt.Errorf("unknown service action %q (want start, stop or restart)", s)
	}
}

// ActionResult is the synchronous acknowledgement of a service action.
// The resulting state change arrives later as a service_update push.
type ActionResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemStatus fetches the current system metrics snapshot.
func (c *Client) SystemStatus(ctx context.Context) (core.SystemMetrics, error) {
	var m core.SystemMetrics
	err := c.do(ctx, "system_status", http.MethodGet, "/api/v1/system/status", nil, &m)
	return m, err
}

// Services lists every managed service.
func (c *Client) Services(ctx context.Context) ([]core.ServiceSnapshot, error) {
	raw, err := c.send(ctx, "services", http.MethodGet, "/api/v1/services", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeList[core.ServiceSnapshot](raw, "services")
	if err != nil {
		return nil, fmt.Errorf("services: decode response: %w", err)
	}
	return out, nil
}

// Models lists installed and available models.
func (c *Client) Models(ctx context.Context) ([]core.ModelSnapshot, error) {
	raw, err := c.send(ctx, "models", http.MethodGet, "/api/v1/models", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeList[core.ModelSnapshot](raw, "models")
	if err != nil {
		return nil, fmt.Errorf("models: decode response: %w", err)
	}
	return out, nil
}

// ControlService starts, stops or restarts a container by name.
func (c *Client) ControlService(ctx context.Context, name string, action ServiceAction) (ActionResult, error) {
	var res ActionResult
	if _, err := ParseServiceAction(string(action)); err != nil {
		return res, err
	}
	path := fmt.Sprintf("/api/v1/services/%s/%s", url.PathEscape(name), action)
	err := c.do(ctx, "service_"+string(action), http.MethodPost, path, nil, &res)
	return res, err
}

// LogSources lists the log origins that can be streamed or searched.
func (c *Client) LogSources(ctx context.Context) ([]core.LogSource, error) {
	raw, err := c.send(ctx, "log_sources", http.MethodGet, "/api/v1/logs/sources", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeList[core.LogSource](raw, "sources")
	if err != nil {
		return nil, fmt.Errorf("log_sources: decode response: %w", err)
	}
	return out, nil
}

// SearchLogs runs a history query.
func (c *Client) SearchLogs(ctx context.Context, q core.LogQuery) ([]core.LogEntry, error) {
	var resp struct {
		Logs []core.LogEntry `json:"logs"`
	}
	if err := c.do(ctx, "search_logs", http.MethodPost, "/api/v1/logs/search", q, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// ExportLogs returns the backend's export of a query as raw bytes.
func (c *Client) ExportLogs(ctx context.Context, q core.LogQuery) ([]byte, error) {
	return c.send(ctx, "export_logs", http.MethodPost, "/api/v1/logs/export", q)
}

// StartDownload initiates a model download and returns its task id.
func (c *Client) StartDownload(ctx context.Context, req core.DownloadRequest) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, "start_download", http.MethodPost, "/api/v1/models/download", req, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("start_download: response has no task_id")
	}
	return resp.TaskID, nil
}

// ListDownloads returns the backend's view of every download.
func (c *Client) ListDownloads(ctx context.Context) ([]core.DownloadUpdate, error) {
	raw, err := c.send(ctx, "list_downloads", http.MethodGet, "/api/v1/models/downloads", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeList[core.DownloadUpdate](raw, "downloads")
	if err != nil {
		return nil, fmt.Errorf("list_downloads: decode response: %w", err)
	}
	return out, nil
}

// DownloadStatus polls one download.
func (c *Client) DownloadStatus(ctx context.Context, taskID string) (core.DownloadUpdate, error) {
	var u core.DownloadUpdate
	path := "/api/v1/models/downloads/" + url.PathEscape(taskID)
	if err := c.do(ctx, "download_status", http.MethodGet, path, nil, &u); err != nil {
		return u, err
	}
	if u.TaskID == "" {
		u.TaskID = taskID
	}
	return u, nil
}
