// Package apptest provides an in-process fake appliance backend for tests
// of packages built on app.Console.
package apptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"opsconsole/core"
)

// Action is a recorded service control request.
type Action struct {
	Service string
	Action  string
}

// Appliance serves the REST endpoints and the push and log WebSockets.
type Appliance struct {
	srv *httptest.Server

	mu        sync.Mutex
	metrics   core.SystemMetrics
	services  []core.ServiceSnapshot
	models    []core.ModelSnapshot
	downloads []core.DownloadUpdate
	scripts   map[string][]core.DownloadUpdate
	nextTask  int
	actions   []Action
	history   []core.LogEntry
	failREST  bool

	pushConns []*websocket.Conn
	logConns  map[string][]*websocket.Conn
	writeMu   sync.Mutex
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewAppliance starts a backend that is closed with the test.
func NewAppliance(t *testing.T) *Appliance {
	t.Helper()
	a := &Appliance{
		scripts:  make(map[string][]core.DownloadUpdate),
		logConns: make(map[string][]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/system/status", a.rest(func() any { return a.metrics }))
	mux.HandleFunc("GET /api/v1/services", a.rest(func() any { return map[string]any{"services": a.services} }))
	mux.HandleFunc("GET /api/v1/models", a.rest(func() any { return a.models }))
	mux.HandleFunc("GET /api/v1/models/downloads", a.rest(func() any { return map[string]any{"downloads": a.downloads} }))
	mux.HandleFunc("POST /api/v1/services/{name}/{action}", a.handleAction)
	mux.HandleFunc("POST /api/v1/models/download", a.handleDownload)
	mux.HandleFunc("GET /api/v1/models/downloads/{id}", a.handleDownloadStatus)
	mux.HandleFunc("POST /api/v1/logs/search", a.rest(func() any { return map[string]any{"logs": a.history} }))
	mux.HandleFunc("GET /ws", a.handlePush)
	mux.HandleFunc("GET /ws/logs/{source}", a.handleLogs)

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

// URL is the backend's http:// base URL.
func (a *Appliance) URL() string {
	return a.srv.URL
}

// Config returns a finalized console configuration pointing at the
// appliance, with fast reconnects and polling and a temp database.
func (a *Appliance) Config(t *testing.T) *core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.BackendURL = a.srv.URL
	cfg.DBPath = filepath.Join(t.TempDir(), "console.db")
	cfg.LogFile = ""
	cfg.ReconnectInitial = 10 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	cfg.BreakerThreshold = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RequestRate = 0
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	return &cfg
}

// Close drops every WebSocket and stops the server.
func (a *Appliance) Close() {
	a.DropConnections()
	a.srv.Close()
}

// SetMetrics sets the system status response.
func (a *Appliance) SetMetrics(m core.SystemMetrics) {
	a.mu.Lock()
	a.metrics = m
	a.mu.Unlock()
}

// SetServices sets the service list response.
func (a *Appliance) SetServices(s ...core.ServiceSnapshot) {
	a.mu.Lock()
	a.services = s
	a.mu.Unlock()
}

// SetModels sets the model list response.
func (a *Appliance) SetModels(m ...core.ModelSnapshot) {
	a.mu.Lock()
	a.models = m
	a.mu.Unlock()
}

// SetDownloads sets the download list response.
func (a *Appliance) SetDownloads(d ...core.DownloadUpdate) {
	a.mu.Lock()
	a.downloads = d
	a.mu.Unlock()
}

// SetLogHistory sets the log search response.
func (a *Appliance) SetLogHistory(entries ...core.LogEntry) {
	a.mu.Lock()
	a.history = entries
	a.mu.Unlock()
}

// FailREST makes every REST endpoint answer 503.
func (a *Appliance) FailREST(fail bool) {
	a.mu.Lock()
	a.failREST = fail
	a.mu.Unlock()
}

// ScriptDownload sets the successive status responses for taskID. The last
// one repeats.
func (a *Appliance) ScriptDownload(taskID string, updates ...core.DownloadUpdate) {
	a.mu.Lock()
	a.scripts[taskID] = updates
	a.mu.Unlock()
}

// Actions returns the recorded service control requests.
func (a *Appliance) Actions() []Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Action(nil), a.actions...)
}

// PushClients returns how many push connections are open.
func (a *Appliance) PushClients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pushConns)
}

// Push sends {"type": msgType, "data": data} to every push client.
func (a *Appliance) Push(msgType string, data any) {
	a.mu.Lock()
	conns := append([]*websocket.Conn(nil), a.pushConns...)
	a.mu.Unlock()
	a.send(conns, map[string]any{"type": msgType, "data": data})
}

// PushLog sends entry to every log stream client of source.
func (a *Appliance) PushLog(source string, entry core.LogEntry) {
	a.mu.Lock()
	conns := append([]*websocket.Conn(nil), a.logConns[source]...)
	a.mu.Unlock()
	a.send(conns, entry)
}

// LogClients returns how many streams of source are open.
func (a *Appliance) LogClients(source string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.logConns[source])
}

// DropConnections closes every WebSocket, forcing clients to reconnect.
func (a *Appliance) DropConnections() {
	a.mu.Lock()
	conns := a.pushConns
	a.pushConns = nil
	for _, cs := range a.logConns {
		conns = append(conns, cs...)
	}
	a.logConns = make(map[string][]*websocket.Conn)
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (a *Appliance) send(conns []*websocket.Conn, v any) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	for _, c := range conns {
		_ = c.WriteJSON(v)
	}
}

// failing answers 503 and reports true while FailREST is set.
func (a *Appliance) failing(w http.ResponseWriter) bool {
	a.mu.Lock()
	fail := a.failREST
	a.mu.Unlock()
	if fail {
		http.Error(w, `{"detail":"backend unavailable"}`, http.StatusServiceUnavailable)
	}
	return fail
}

func (a *Appliance) rest(body func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		fail := a.failREST
		var v any
		if !fail {
			v = body()
		}
		a.mu.Unlock()
		if fail {
			http.Error(w, `{"detail":"backend unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, v)
	}
}

func (a *Appliance) handleAction(w http.ResponseWriter, r *http.Request) {
	name, action := r.PathValue("name"), r.PathValue("action")
	if a.failing(w) {
		return
	}
	a.mu.Lock()
	a.actions = append(a.actions, Action{Service: name, Action: action})
	for i := range a.services {
		if a.services[i].Name == name {
			switch action {
			case "stop":
				a.services[i].Status = core.ServiceStopped
			default:
				a.services[i].Status = core.ServiceRunning
			}
		}
	}
	a.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok", "message": action + " " + name})
}

func (a *Appliance) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req core.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelID == "" {
		http.Error(w, `{"detail":"model_id required"}`, http.StatusBadRequest)
		return
	}
	if a.failing(w) {
		return
	}
	a.mu.Lock()
	a.nextTask++
	id := fmt.Sprintf("task-%03d", a.nextTask)
	a.mu.Unlock()
	writeJSON(w, map[string]string{"task_id": id, "status": "initializing"})
}

func (a *Appliance) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.failing(w) {
		return
	}
	a.mu.Lock()
	script := a.scripts[id]
	var u core.DownloadUpdate
	switch len(script) {
	case 0:
		u = core.DownloadUpdate{TaskID: id, Status: "completed", Progress: ptr(100)}
	case 1:
		u = script[0]
	default:
		u = script[0]
		a.scripts[id] = script[1:]
	}
	a.mu.Unlock()
	writeJSON(w, u)
}

func (a *Appliance) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.pushConns = append(a.pushConns, conn)
	a.mu.Unlock()
	drain(conn)
}

func (a *Appliance) handleLogs(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.logConns[source] = append(a.logConns[source], conn)
	a.mu.Unlock()
	drain(conn)
}

// drain reads until the client goes away so control frames are handled.
func drain(conn *websocket.Conn) {
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func ptr(f float64) *float64 {
	return &f
}

// Float returns a pointer to f for DownloadUpdate fields.
func Float(f float64) *float64 {
	return ptr(f)
}

// WaitFor polls cond until it holds or two seconds pass.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
