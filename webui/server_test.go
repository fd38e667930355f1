package webui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"opsconsole/app"
	"opsconsole/app/apptest"
	"opsconsole/core"
	"opsconsole/health"
	"opsconsole/shutdown"
)

type fixture struct {
	backend *apptest.Appliance
	console *app.Console
	server  *Server
	base    string
}

func newFixture(t *testing.T, tracker OperationTracker, tune func(*ServerConfig)) *fixture {
	t.Helper()
	backend := apptest.NewAppliance(t)
	backend.SetMetrics(core.SystemMetrics{CPU: core.CPUMetrics{Percent: 20}})
	backend.SetServices(
		core.ServiceSnapshot{Name: "vllm", Status: core.ServiceRunning, Category: core.CategoryCore},
		core.ServiceSnapshot{Name: "open-webui", Status: core.ServiceStopped, Category: core.CategoryCore},
	)

	logger := zaptest.NewLogger(t)
	console, err := app.New(backend.Config(t), logger)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { console.Close(context.Background()) })
	if err := console.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cfg := DefaultServerConfig("127.0.0.1:0")
	cfg.Broadcaster.PingInterval = 50 * time.Millisecond
	if tune != nil {
		tune(&cfg)
	}
	srv, err := NewServer(console, cfg, tracker, logger)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Server.Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &fixture{backend: backend, console: console, server: srv, base: "http://" + srv.Addr()}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.base + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s decode error = %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string) (*http.Response, ErrorResponse) {
	t.Helper()
	resp, err := http.Post(f.base+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()
	var e ErrorResponse
	if resp.StatusCode >= 400 {
		_ = json.NewDecoder(resp.Body).Decode(&e)
	}
	return resp, e
}

func TestServer_StateAndHealth(t *testing.T) {
	f := newFixture(t, nil, nil)

	var state app.State
	if code := f.get(t, "/api/state", &state); code != http.StatusOK {
		t.Fatalf("GET /api/state status = %d, want 200", code)
	}
	if len(state.Services) != 2 {
		t.Errorf("state services = %d, want 2", len(state.Services))
	}
	if state.Metrics == nil || state.Metrics.CPU.Percent != 20 {
		t.Errorf("state metrics = %+v, want cpu 20", state.Metrics)
	}

	var report health.Report
	f.get(t, "/api/health", &report)
	// one of two core services down costs 20
	if report.Score != 80 || report.Classification != health.Good {
		t.Errorf("GET /api/health = %v/%s, want 80/good", report.Score, report.Classification)
	}
	if report.CriticalUp != 1 || report.CriticalTotal != 2 {
		t.Errorf("critical services = %d/%d, want 1/2", report.CriticalUp, report.CriticalTotal)
	}

	var live healthzResponse
	if code := f.get(t, "/healthz", &live); code != http.StatusOK || live.Status != "ok" {
		t.Errorf("GET /healthz = %d %+v, want 200 ok", code, live)
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.get(t, "/api/state", nil)

	resp, err := http.Get(f.base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"opsconsole_http_requests_total", "opsconsole_apiclient_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
	if !strings.Contains(string(body), `path="/api/state"`) {
		t.Error("/metrics does not label requests by route pattern")
	}
}

func TestServer_ServiceAction(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp, _ := f.post(t, "/api/services/open-webui/start")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST start status = %d, want 200", resp.StatusCode)
	}
	if s, _ := f.console.Stores().Services.Get("open-webui"); s.Status != core.ServiceRunning {
		t.Errorf("open-webui after start = %s, want running", s.Status)
	}

	resp, e := f.post(t, "/api/services/open-webui/explode")
	if resp.StatusCode != http.StatusBadRequest || e.Code != "INVALID_ACTION" {
		t.Errorf("POST explode = %d %q, want 400 INVALID_ACTION", resp.StatusCode, e.Code)
	}
	if n := len(f.backend.Actions()); n != 1 {
		t.Errorf("backend saw %d actions, want 1", n)
	}

	if code := f.get(t, "/api/services/open-webui/start", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET on action route status = %d, want 405", code)
	}
}

func TestServer_ServiceActionErrors(t *testing.T) {
	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.backend.FailREST(true)
		resp, e := f.post(t, "/api/services/vllm/restart")
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}
		if e.Message != "backend unavailable" {
			t.Errorf("message = %q, want backend unavailable", e.Message)
		}
	})

	t.Run("shutting down", func(t *testing.T) {
		tracker := trackerFunc(func(context.Context, string, func(context.Context) error) error {
			return shutdown.ErrTrackerClosed
		})
		f := newFixture(t, tracker, nil)
		resp, e := f.post(t, "/api/services/vllm/stop")
		if resp.StatusCode != http.StatusServiceUnavailable || e.Code != "SHUTTING_DOWN" {
			t.Errorf("POST during shutdown = %d %q, want 503 SHUTTING_DOWN", resp.StatusCode, e.Code)
		}
		if len(f.backend.Actions()) != 0 {
			t.Error("action reached the backend during shutdown")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t, nil, func(c *ServerConfig) {
			c.ActionsPerMinute = 1
			c.ActionBurst = 1
		})
		if resp, _ := f.post(t, "/api/services/vllm/restart"); resp.StatusCode != http.StatusOK {
			t.Fatalf("first POST status = %d, want 200", resp.StatusCode)
		}
		resp, e := f.post(t, "/api/services/vllm/restart")
		if resp.StatusCode != http.StatusTooManyRequests || e.Code != "RATE_LIMITED" {
			t.Errorf("second POST = %d %q, want 429 RATE_LIMITED", resp.StatusCode, e.Code)
		}
		if resp.Header.Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
		if code := f.get(t, "/api/state", nil); code != http.StatusOK {
			t.Errorf("GET /api/state while limited = %d, want 200", code)
		}
	})
}

type trackerFunc func(ctx context.Context, name string, fn func(context.Context) error) error

func (f trackerFunc) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	return f(ctx, name, fn)
}

func TestServer_ActionsRunInsideTracker(t *testing.T) {
	m := shutdown.NewManager(zaptest.NewLogger(t))
	f := newFixture(t, m, nil)

	if resp, _ := f.post(t, "/api/services/vllm/stop"); resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	resp, _ := f.post(t, "/api/services/vllm/start")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("POST after manager shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestServer_Logs(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.backend.SetLogHistory(
		core.LogEntry{Level: core.LevelInfo, Message: "model loaded", Source: "vllm"},
		core.LogEntry{Level: core.LevelError, Message: "request failed", Source: "vllm"},
		core.LogEntry{Level: core.LevelError, Message: "upstream FAILED twice", Source: "vllm"},
	)
	if _, err := f.console.LoadLogHistory(context.Background(), core.LogQuery{Sources: []string{"vllm"}, Limit: 10}); err != nil {
		t.Fatalf("LoadLogHistory() error = %v", err)
	}

	var all LogsResponse
	f.get(t, "/api/logs", &all)
	if all.Total != 3 || len(all.Entries) != 3 || all.Streaming {
		t.Errorf("GET /api/logs = total %d entries %d streaming %v, want 3 3 false", all.Total, len(all.Entries), all.Streaming)
	}

	var filtered LogsResponse
	f.get(t, "/api/logs?search=failed&limit=1", &filtered)
	if len(filtered.Entries) != 1 || filtered.Entries[0].Message != "upstream FAILED twice" {
		t.Errorf("GET /api/logs?search=failed&limit=1 = %+v, want the newest match", filtered.Entries)
	}

	if code := f.get(t, "/api/logs?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", code)
	}
}

func TestServer_Downloads(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr, err := f.console.DownloadModel(context.Background(), core.DownloadRequest{ModelID: "qwen", Backend: "vllm"}, nil)
	if err != nil {
		t.Fatalf("DownloadModel() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var body DownloadsResponse
	apptest.WaitFor(t, "history", func() bool {
		body = DownloadsResponse{}
		return f.get(t, "/api/downloads", &body) == http.StatusOK && len(body.History) == 1 && len(body.Tracked) == 0
	})
	if len(body.Active) != 1 || body.Active[0].Status != core.DownloadCompleted {
		t.Errorf("active = %+v, want one completed task", body.Active)
	}
}

func dialFeed(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, wantType string) WSMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestServer_WebSocketFeed(t *testing.T) {
	f := newFixture(t, nil, nil)
	apptest.WaitFor(t, "push channel", f.console.Channel().Connected)
	conn := dialFeed(t, f)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first struct {
		Type string    `json:"type"`
		Data app.State `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial message: %v", err)
	}
	if first.Type != MessageTypeState || len(first.Data.Services) != 2 {
		t.Errorf("initial message = %s with %d services, want state with 2", first.Type, len(first.Data.Services))
	}
	apptest.WaitFor(t, "client registered", func() bool { return f.server.Broadcaster().ClientCount() == 1 })

	f.backend.Push("service_update", map[string]any{"name": "open-webui", "status": "healthy"})
	msg := readMessage(t, conn, MessageTypeService)
	if msg.Key != "open-webui" {
		t.Errorf("service_update key = %q, want open-webui", msg.Key)
	}
	data, _ := json.Marshal(msg.Data)
	var svc core.ServiceSnapshot
	_ = json.Unmarshal(data, &svc)
	if svc.Status != core.ServiceHealthy || svc.Category != core.CategoryCore {
		t.Errorf("service_update data = %+v, want healthy core", svc)
	}

	f.backend.Push("system_update", map[string]any{"cpu": map[string]any{"percent": 95}})
	msg = readMessage(t, conn, MessageTypeSystem)
	data, _ = json.Marshal(msg.Data)
	var sys SystemData
	_ = json.Unmarshal(data, &sys)
	if sys.Health.CPUPenalty != 20 {
		t.Errorf("system_update cpu penalty = %v, want 20", sys.Health.CPUPenalty)
	}

	if err := f.console.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	readMessage(t, conn, MessageTypeResync)
}

func TestServer_ShutdownDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil, nil)
	conn := dialFeed(t, f)
	readMessage(t, conn, MessageTypeState)
	apptest.WaitFor(t, "client registered", func() bool { return f.server.Broadcaster().ClientCount() == 1 })

	if err := f.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Errorf("read after shutdown error = %v, want normal closure", err)
			}
			break
		}
	}
	if f.server.Broadcaster().ClientCount() != 0 {
		t.Error("clients remain after Shutdown")
	}
	if _, err := http.Get(f.base + "/healthz"); err == nil {
		t.Error("server still answering after Shutdown")
	}
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(nil, DefaultServerConfig("127.0.0.1:0"), nil, nil); err == nil {
		t.Error("NewServer(nil console) succeeded")
	}
}
