package logstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"opsconsole/channel"
	"opsconsole/core"
)

type serverConn struct {
	conn  *websocket.Conn
	path  string
	query url.Values
}

func (sc *serverConn) send(t *testing.T, source, msg string) {
	t.Helper()
	frame := fmt.Sprintf(`{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","source":%q,"message":%q}`, source, msg)
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write error = %v", err)
	}
}

// newLogServer starts a log stream endpoint and publishes every accepted
// connection on the returned channel.
func newLogServer(t *testing.T) (string, <-chan *serverConn) {
	t.Helper()
	conns := make(chan *serverConn, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns <- &serverConn{conn: conn, path: r.URL.Path, query: r.URL.Query()}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs", conns
}

func testController(base string, maxLines int) *Controller {
	chCfg := channel.DefaultConfig("")
	chCfg.InitialBackoff = 10 * time.Millisecond
	chCfg.MaxBackoff = 20 * time.Millisecond
	chCfg.BreakerThreshold = 0
	return New(Config{BaseURL: base, MaxLines: maxLines, Channel: chCfg})
}

func accept(t *testing.T, conns <-chan *serverConn) *serverConn {
	t.Helper()
	select {
	case sc := <-conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messages(entries []core.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestController_SubscriptionTarget(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 10)
	defer c.Stop()

	if err := c.Start(context.Background(), "vllm", Filters{Levels: []core.LogLevel{"warning", core.LevelError}, Search: " oom "}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sc := accept(t, conns)

	if sc.path != "/ws/logs/vllm" {
		t.Errorf("path = %q, want /ws/logs/vllm", sc.path)
	}
	if got := sc.query.Get("levels"); got != "ERROR,WARN" {
		t.Errorf("levels = %q, want ERROR,WARN", got)
	}
	if got := sc.query.Get("search"); got != "oom" {
		t.Errorf("search = %q, want oom", got)
	}
}

func TestController_ReconnectKeepsBufferAndStreaming(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 10)
	defer c.Stop()

	var mu sync.Mutex
	var statuses []Status
	c.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := c.Start(context.Background(), "api", Filters{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := accept(t, conns)
	waitFor(t, "streaming", c.Streaming)

	first.send(t, "api", "one")
	first.send(t, "api", "two")
	waitFor(t, "two entries", func() bool { return len(c.Entries()) == 2 })

	first.conn.Close()

	second := accept(t, conns)
	waitFor(t, "streaming again", c.Streaming)
	second.send(t, "api", "three")
	waitFor(t, "three entries", func() bool { return len(c.Entries()) == 3 })

	got := messages(c.Entries())
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entries()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, s := range statuses {
		if s == StatusReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("statuses = %v, want a reconnecting phase", statuses)
	}
	if statuses[len(statuses)-1] != StatusStreaming {
		t.Errorf("final status = %v, want streaming", statuses[len(statuses)-1])
	}
}

func TestController_SwitchDeliversNothingFromOldSubscription(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 1000)
	defer c.Stop()

	var switched atomic.Bool
	var stale atomic.Int32
	c.OnEntry(func(e core.LogEntry) {
		if switched.Load() && e.Source == "a" {
			stale.Add(1)
		}
	})

	if err := c.Start(context.Background(), "a", Filters{}); err != nil {
		t.Fatalf("Start(a) error = %v", err)
	}
	scA := accept(t, conns)
	waitFor(t, "streaming a", c.Streaming)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			frame := fmt.Sprintf(`{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","source":"a","message":"a%d"}`, i)
			if err := scA.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}()
	waitFor(t, "entries from a", func() bool { return len(c.Entries()) > 0 })

	if err := c.Start(context.Background(), "b", Filters{Levels: []core.LogLevel{core.LevelError}}); err != nil {
		t.Fatalf("Start(b) error = %v", err)
	}
	switched.Store(true)

	scB := accept(t, conns)
	waitFor(t, "streaming b", c.Streaming)
	scB.send(t, "b", "from b")
	waitFor(t, "entry from b", func() bool {
		entries := c.Entries()
		return len(entries) > 0 && entries[len(entries)-1].Source == "b"
	})

	close(stop)
	<-writerDone

	if n := stale.Load(); n != 0 {
		t.Errorf("delivered %d entries from the old subscription after switching", n)
	}
	if got := c.Source(); got != "b" {
		t.Errorf("Source() = %q, want b", got)
	}
}

func TestController_StartSameSubscriptionIsNoop(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 10)
	defer c.Stop()

	f := Filters{Levels: []core.LogLevel{core.LevelWarn, core.LevelError}}
	if err := c.Start(context.Background(), "api", f); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	accept(t, conns)
	waitFor(t, "streaming", c.Streaming)

	reordered := Filters{Levels: []core.LogLevel{core.LevelError, "warning"}}
	if err := c.Start(context.Background(), "api", reordered); err != nil {
		t.Fatalf("Start() again error = %v", err)
	}

	select {
	case <-conns:
		t.Error("second Start() with the same subscription opened a new connection")
	case <-time.After(100 * time.Millisecond):
	}
	if !c.Streaming() {
		t.Errorf("Status() = %v, want streaming", c.Status())
	}
}

func TestController_RestartAfterStartContextEnds(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 10)
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx, "vllm", Filters{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sc := accept(t, conns)
	waitFor(t, "streaming", c.Streaming)
	sc.send(t, "vllm", "before")
	waitFor(t, "entry", func() bool { return len(c.Entries()) == 1 })

	cancel()
	waitFor(t, "idle", func() bool { return c.Status() == StatusIdle })

	if err := c.Start(context.Background(), "vllm", Filters{}); err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
	sc = accept(t, conns)
	waitFor(t, "streaming again", c.Streaming)
	sc.send(t, "vllm", "after")
	waitFor(t, "second entry", func() bool { return len(c.Entries()) == 2 })

	if got := messages(c.Entries()); got[0] != "before" || got[1] != "after" {
		t.Errorf("Entries() = %v, want [before after]", got)
	}
}

func TestController_StopKeepsBuffer(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 10)

	if err := c.Start(context.Background(), "api", Filters{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sc := accept(t, conns)
	waitFor(t, "streaming", c.Streaming)
	sc.send(t, "api", "kept")
	waitFor(t, "entry", func() bool { return len(c.Entries()) == 1 })

	c.Stop()

	if got := c.Status(); got != StatusIdle {
		t.Errorf("Status() = %v, want idle", got)
	}
	if got := messages(c.Entries()); len(got) != 1 || got[0] != "kept" {
		t.Errorf("Entries() = %v, want [kept]", got)
	}

	c.Clear()
	if got := len(c.Entries()); got != 0 {
		t.Errorf("len(Entries()) after Clear = %d, want 0", got)
	}
}

func TestController_MaxLinesEvictsOldest(t *testing.T) {
	base, conns := newLogServer(t)
	c := testController(base, 3)
	defer c.Stop()

	if err := c.Start(context.Background(), "api", Filters{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sc := accept(t, conns)
	waitFor(t, "streaming", c.Streaming)
	for i := 1; i <= 5; i++ {
		sc.send(t, "api", fmt.Sprint(i))
	}
	waitFor(t, "last entry", func() bool {
		e := c.Entries()
		return len(e) == 3 && e[2].Message == "5"
	})

	if got := messages(c.Entries()); got[0] != "3" || got[1] != "4" {
		t.Errorf("Entries() = %v, want [3 4 5]", got)
	}

	if err := c.SetMaxLines(2); err != nil {
		t.Fatalf("SetMaxLines(2) error = %v", err)
	}
	if got := messages(c.Entries()); len(got) != 2 || got[0] != "4" {
		t.Errorf("Entries() after shrink = %v, want [4 5]", got)
	}
	if err := c.SetMaxLines(0); err == nil {
		t.Error("SetMaxLines(0) error = nil, want error")
	}
}

func TestController_GiveUpReportsStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs"
	srv.Close()

	chCfg := channel.DefaultConfig("")
	chCfg.InitialBackoff = 5 * time.Millisecond
	chCfg.BreakerThreshold = 0
	chCfg.MaxAttempts = 2
	c := New(Config{BaseURL: base, Channel: chCfg})
	defer c.Stop()

	if err := c.Start(context.Background(), "api", Filters{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "give up", func() bool {
		return c.Status() == StatusIdle && c.LastError() != nil
	})

	err := c.LastError()
	if !IsStreamFailure(err) {
		t.Errorf("LastError() = %v, want stream failure", err)
	}
	if !errors.Is(err, channel.ErrGaveUp) {
		t.Errorf("LastError() = %v, want wrapped ErrGaveUp", err)
	}
	if got := core.ClassifyError(err); got != core.ErrCodeStreamFailed {
		t.Errorf("ClassifyError() = %q, want %q", got, core.ErrCodeStreamFailed)
	}
}

func TestController_StartRejectsBadTarget(t *testing.T) {
	c := New(Config{BaseURL: "http://example.com/logs"})
	if err := c.Start(context.Background(), "api", Filters{}); err == nil {
		t.Error("Start() with http base error = nil, want error")
	}
	if err := c.Start(context.Background(), "", Filters{}); err == nil {
		t.Error("Start() with empty source error = nil, want error")
	}
	if got := c.Status(); got != StatusIdle {
		t.Errorf("Status() = %v, want idle", got)
	}
}

func TestController_LoadHistoryKeepsNewest(t *testing.T) {
	c := New(Config{BaseURL: "ws://localhost/ws/logs", MaxLines: 2})
	c.LoadHistory([]core.LogEntry{{Message: "a"}, {Message: "b"}, {Message: "c"}})

	if got := messages(c.Entries()); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Entries() = %v, want [b c]", got)
	}

	c.LoadHistory([]core.LogEntry{{Message: "d"}})
	if got := messages(c.Entries()); len(got) != 1 || got[0] != "d" {
		t.Errorf("Entries() after second load = %v, want [d]", got)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		source  string
		filters Filters
		want    string
		wantErr bool
	}{
		{"no filters", "ws://host:8084/ws/logs", "vllm", Filters{}, "ws://host:8084/ws/logs/vllm", false},
		{"trailing slash", "ws://host/ws/logs/", "api", Filters{}, "ws://host/ws/logs/api", false},
		{"levels and search", "wss://host/ws/logs", "api", Filters{Levels: []core.LogLevel{core.LevelWarn, core.LevelError, core.LevelWarn}, Search: "gpu"}, "wss://host/ws/logs/api?levels=ERROR%2CWARN&search=gpu", false},
		{"escaped source", "ws://host/ws/logs", "system journal", Filters{}, "ws://host/ws/logs/system%20journal", false},
		{"http scheme", "http://host/ws/logs", "api", Filters{}, "", true},
		{"empty source", "ws://host/ws/logs", "", Filters{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StreamURL(tt.base, tt.source, tt.filters)
			if (err != nil) != tt.wantErr {
				t.Fatalf("StreamURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("StreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilterEntries(t *testing.T) {
	entries := []core.LogEntry{
		{Source: "vllm", Message: "CUDA out of memory"},
		{Source: "api", Message: "request served"},
		{Source: "VLLM-worker", Message: "ready"},
	}

	tests := []struct {
		search string
		want   int
	}{
		{"", 3},
		{"memory", 1},
		{"vllm", 2},
		{"  READY ", 1},
		{"nothing", 0},
	}
	for _, tt := range tests {
		if got := FilterEntries(entries, tt.search); len(got) != tt.want {
			t.Errorf("FilterEntries(%q) = %d entries, want %d", tt.search, len(got), tt.want)
		}
	}
}

func TestFilters_Equal(t *testing.T) {
	a := Filters{Levels: []core.LogLevel{core.LevelError, core.LevelWarn}, Search: "x"}
	b := Filters{Levels: []core.LogLevel{"WARNING", "error"}, Search: "x "}
	if !a.Equal(b) {
		t.Error("Equal() = false for equivalent filters")
	}
	if a.Equal(Filters{Levels: a.Levels}) {
		t.Error("Equal() = true for different search")
	}
}
