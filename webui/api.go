package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"opsconsole/apiclient"
	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/logstream"
	"opsconsole/shutdown"
)

// OperationTracker runs a state-changing request as an in-flight
// operation so shutdown can wait for it. *shutdown.Manager implements it.
type OperationTracker interface {
	Track(ctx context.Context, name string, fn func(context.Context) error) error
}

type untracked struct{}

func (untracked) Track(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// API serves the console state as JSON.
type API struct {
	console      *app.Console
	tracker      OperationTracker
	logger       *zap.Logger
	defaultLimit int
	maxLimit     int
}

// APIConfig configures list limits.
type APIConfig struct {
	DefaultLimit int
	MaxLimit     int
	Tracker      OperationTracker
	Logger       *zap.Logger
}

// DefaultAPIConfig returns the standard limits.
func DefaultAPIConfig() APIConfig {
	return APIConfig{DefaultLimit: 50, MaxLimit: 500}
}

// NewAPI creates the handlers for console.
func NewAPI(console *app.Console, cfg APIConfig) *API {
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	if cfg.Tracker == nil {
		cfg.Tracker = untracked{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &API{
		console:      console,
		tracker:      cfg.Tracker,
		logger:       cfg.Logger.Named("api"),
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
	}
}

// Routes mounts the handlers on r. actions wraps the state-changing routes.
func (api *API) Routes(r chi.Router, actions func(http.Handler) http.Handler) {
	r.Get("/state", api.HandleState)
	r.Get("/health", api.HandleHealth)
	r.Get("/logs", api.HandleLogs)
	r.Get("/downloads", api.HandleDownloads)
	r.With(actions).Post("/services/{name}/{action}", api.HandleServiceAction)
}

// HandleState serves GET /api/state.
func (api *API) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.console.Snapshot())
}

// HandleHealth serves GET /api/health.
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.console.Health())
}

// LogsResponse is the body of GET /api/logs.
type LogsResponse struct {
	Source    string          `json:"source,omitempty"`
	Status    string          `json:"status"`
	Streaming bool            `json:"streaming"`
	Search    string          `json:"search,omitempty"`
	Total     int             `json:"total"`
	Entries   []core.LogEntry `json:"entries"`
}

// HandleLogs serves GET /api/logs. search filters the buffer client-side;
// limit keeps the newest matches.
func (api *API) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := api.limit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.ErrCodeInvalidConfig, err.Error())
		return
	}
	logs := api.console.Logs()
	search := r.URL.Query().Get("search")
	all := logs.Entries()
	entries := logstream.FilterEntries(all, search)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []core.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		Source:    logs.Source(),
		Status:    logs.Status().String(),
		Streaming: logs.Streaming(),
		Search:    search,
		Total:     len(all),
		Entries:   entries,
	})
}

// DownloadsResponse is the body of GET /api/downloads.
type DownloadsResponse struct {
	Active  []core.DownloadTask `json:"active"`
	Tracked []string            `json:"tracked"`
	History []core.DownloadTask `json:"history"`
}

// HandleDownloads serves GET /api/downloads: every task in the store, the
// ones being polled, and recorded history.
func (api *API) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	limit, err := api.limit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.ErrCodeInvalidConfig, err.Error())
		return
	}
	history, err := api.console.DownloadHistory(r.Context(), limit)
	if err != nil {
		api.logger.Warn("Could not read download history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", err.Error())
		return
	}
	if history == nil {
		history = []core.DownloadTask{}
	}
	writeJSON(w, http.StatusOK, DownloadsResponse{
		Active:  api.console.Stores().Downloads.List(),
		Tracked: api.console.Monitor().Tracked(),
		History: history,
	})
}

// HandleServiceAction serves POST /api/services/{name}/{action}.
func (api *API) HandleServiceAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")
	if _, err := apiclient.ParseServiceAction(action); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error())
		return
	}

	var res apiclient.ActionResult
	err := api.tracker.Track(r.Context(), "service "+action+" "+name, func(ctx context.Context) error {
		var err error
		res, err = api.console.ControlService(ctx, name, action)
		return err
	})
	if err != nil {
		api.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (api *API) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, shutdown.ErrTrackerClosed) || errors.Is(err, app.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "console is shutting down")
		return
	}
	code := core.ClassifyError(err)
	var ue *core.UpstreamError
	switch {
	case errors.As(err, &ue):
		status := http.StatusBadGateway
		if ue.StatusCode == http.StatusNotFound || ue.StatusCode == http.StatusConflict {
			status = ue.StatusCode
		}
		writeError(w, status, code, ue.Message)
	case code == core.ErrCodeUpstreamUnavailable:
		writeError(w, http.StatusServiceUnavailable, code, core.Remediation(err))
	default:
		writeError(w, http.StatusBadGateway, code, err.Error())
	}
}

func (api *API) limit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return api.defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, api.maxLimit), nil
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}
