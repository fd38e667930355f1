package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSServer starts a WebSocket server that hands each accepted
// connection and its 1-based sequence number to handler.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn, n int)) (*httptest.Server, string) {
	t.Helper()
	var count int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, int(atomic.AddInt32(&count, 1)))
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain blocks until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func fastConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.BreakerThreshold = 0
	return cfg
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

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestChannel_DeliversMessagesInOrderAndDropsMalformed(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, n int) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":2}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":3}`))
		drain(conn)
	})

	ch := New(fastConfig(url))
	msgs := make(chan string, 10)
	ch.OnMessage(func(m json.RawMessage) { msgs <- string(m) })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	for i, want := range []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`} {
		if got := receive(t, msgs); got != want {
			t.Errorf("message %d = %s, want %s", i, got, want)
		}
	}
	select {
	case m := <-msgs:
		t.Errorf("unexpected extra message %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`"first"`))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`"second"`))
		drain(conn)
	})

	ch := New(fastConfig(url))
	msgs := make(chan string, 10)
	ch.OnMessage(func(m json.RawMessage) { msgs <- string(m) })

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	var connectedFlips int32
	ch.OnConnectedChange(func(bool) { atomic.AddInt32(&connectedFlips, 1) })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	if got := receive(t, msgs); got != `"first"` {
		t.Fatalf("first message = %s", got)
	}
	if got := receive(t, msgs); got != `"second"` {
		t.Fatalf("second message = %s", got)
	}
	waitFor(t, "open state", ch.Connected)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateReconnecting, StateOpen}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
	if n := atomic.LoadInt32(&connectedFlips); n != 3 {
		t.Errorf("connected signal fired %d times, want 3", n)
	}
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := fastConfig(url)
	cfg.MaxAttempts = 3
	ch := New(cfg)

	gaveUp := make(chan error, 1)
	ch.OnGiveUp(func(err error) { gaveUp <- err })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	select {
	case err := <-gaveUp:
		if !errors.Is(err, ErrGaveUp) {
			t.Errorf("give-up error = %v, want ErrGaveUp", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel never gave up")
	}

	waitFor(t, "closed state", func() bool { return ch.State() == StateClosed })
	if !ch.GaveUp() {
		t.Error("GaveUp() = false, want true")
	}
	if ch.LastError() == nil {
		t.Error("LastError() = nil, want the dial failure")
	}
}

func TestChannel_BreakerOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := fastConfig(url)
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Minute
	ch := New(cfg)

	if got := ch.BreakerState(); got != "closed" {
		t.Fatalf("BreakerState() = %q, want closed", got)
	}
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	waitFor(t, "breaker open", func() bool { return ch.BreakerState() == "open" })
	if ch.State() == StateOpen {
		t.Error("State() = open with nothing listening")
	}
}

func TestChannel_OpenTwice(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, n int) { drain(conn) })

	ch := New(fastConfig(url))
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close()

	if err := ch.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpen", err)
	}
}

func TestChannel_CloseStopsDelivery(t *testing.T) {
	var connections int32
	_, url := newWSServer(t, func(conn *websocket.Conn, n int) {
		atomic.AddInt32(&connections, 1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{}`))
		drain(conn)
	})

	ch := New(fastConfig(url))
	var delivered int32
	ch.OnMessage(func(json.RawMessage) { atomic.AddInt32(&delivered, 1) })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitFor(t, "first message", func() bool { return atomic.LoadInt32(&delivered) == 1 })

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ch.State() != StateClosed {
		t.Errorf("State() after Close = %v, want closed", ch.State())
	}

	time.Sleep(60 * time.Millisecond)
	if n := atomic.LoadInt32(&connections); n != 1 {
		t.Errorf("server saw %d connections after Close, want 1", n)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestChannel_SendWithoutConnection(t *testing.T) {
	ch := New(DefaultConfig("ws://127.0.0.1:1/ws"))
	if err := ch.Send(map[string]string{"a": "b"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestChannel_SendEcho(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn, n int) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	})

	ch := New(fastConfig(url))
	msgs := make(chan string, 1)
	ch.OnMessage(func(m json.RawMessage) { msgs <- string(m) })
	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	waitFor(t, "open state", ch.Connected)
	if err := ch.Send(map[string]string{"op": "ping"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := receive(t, msgs); got != `{"op":"ping"}` {
		t.Errorf("echo = %s, want {\"op\":\"ping\"}", got)
	}
}

func TestConfig_WithFixedDelay(t *testing.T) {
	cfg := DefaultConfig("ws://x/ws").WithFixedDelay(5 * time.Second)
	ch := New(cfg)
	b := ch.newBackoff()
	for i := 0; i < 4; i++ {
		if d := b.NextBackOff(); d != 5*time.Second {
			t.Errorf("attempt %d delay = %v, want 5s", i, d)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateConnecting:   "connecting",
		StateOpen:         "open",
		StateClosed:       "closed",
		StateReconnecting: "reconnecting",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
