package webui

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimiter_AllowPerClient(t *testing.T) {
	rl := NewRateLimiter(60, 2)

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("Allow() #%d = false within burst", i+1)
		}
	}
	ok, retry := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("Allow() past burst = true")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("retryAfter = %v, want (0, 1s]", retry)
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("second client limited by first client's bucket")
	}
	if got := rl.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestRateLimiter_DisabledAndCleanup(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("Allow() with limiting disabled = false at #%d", i+1)
		}
	}

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("10.0.0.2")
	now = now.Add(11 * time.Minute)
	rl.Allow("10.0.0.3")

	if removed := rl.Cleanup(); removed != 2 {
		t.Errorf("Cleanup() = %d, want 2", removed)
	}
	if got := rl.Count(); got != 1 {
		t.Errorf("Count() after Cleanup = %d, want 1", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/services/x/stop", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.9, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [204 429]", codes)
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mw := NewLoggingMiddleware(zap.New(core), "/healthz")

	status := http.StatusOK
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body"))
	}))

	tests := []struct {
		path   string
		status int
		level  zapcore.Level
		logged bool
	}{
		{"/api/state", http.StatusOK, zapcore.DebugLevel, true},
		{"/api/logs", http.StatusBadRequest, zapcore.WarnLevel, true},
		{"/api/services/x/stop", http.StatusBadGateway, zapcore.ErrorLevel, true},
		{"/healthz", http.StatusOK, zapcore.DebugLevel, false},
	}
	for _, tt := range tests {
		logs.TakeAll()
		status = tt.status
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.RemoteAddr = "127.0.0.1:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)

		entries := logs.TakeAll()
		if !tt.logged {
			if len(entries) != 0 {
				t.Errorf("%s: logged %d entries, want none", tt.path, len(entries))
			}
			continue
		}
		if len(entries) != 1 {
			t.Fatalf("%s: logged %d entries, want 1", tt.path, len(entries))
		}
		e := entries[0]
		if e.Level != tt.level {
			t.Errorf("%s: level = %s, want %s", tt.path, e.Level, tt.level)
		}
		fields := e.ContextMap()
		if fields["status"] != int64(tt.status) || fields["bytes"] != int64(4) || fields["remote"] != "127.0.0.1" {
			t.Errorf("%s: fields = %v", tt.path, fields)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "127.0.0.1:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "127.0.0.1:1", "198.51.100.2"},
		{"remote with port", nil, "192.0.2.7:4321", "192.0.2.7"},
		{"remote without port", nil, "unix", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
