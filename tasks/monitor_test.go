package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"opsconsole/core"
	"opsconsole/store"
)

type pollResult struct {
	update core.DownloadUpdate
	err    error
}

// fakeClient replays a scripted status sequence per task; the last entry
// repeats once the script is exhausted.
type fakeClient struct {
	mu      sync.Mutex
	scripts map[string][]pollResult
	calls   map[string]int
	nextID  int

	// gate, when set, blocks every status call until it is closed.
	gate     chan struct{}
	inFlight chan string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		scripts: make(map[string][]pollResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeClient) script(taskID string, results ...pollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = results
}

func (f *fakeClient) StartDownload(ctx context.Context, req core.DownloadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ModelID == "" {
		return "", errors.New("model_id required")
	}
	f.nextID++
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakeClient) DownloadStatus(ctx context.Context, taskID string) (core.DownloadUpdate, error) {
	f.mu.Lock()
	f.calls[taskID]++
	n := f.calls[taskID]
	script := f.scripts[taskID]
	gate, inFlight := f.gate, f.inFlight
	f.mu.Unlock()

	if inFlight != nil {
		inFlight <- taskID
	}
	if gate != nil {
		<-gate
	}
	if len(script) == 0 {
		return core.DownloadUpdate{}, errors.New("unknown task")
	}
	if n > len(script) {
		n = len(script)
	}
	r := script[n-1]
	return r.update, r.err
}

func (f *fakeClient) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

type fakeRecorder struct {
	mu    sync.Mutex
	tasks []core.DownloadTask
}

func (r *fakeRecorder) RecordTerminal(task core.DownloadTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *fakeRecorder) recorded() []core.DownloadTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.DownloadTask(nil), r.tasks...)
}

func status(s string, progress float64) pollResult {
	return pollResult{update: core.DownloadUpdate{Status: s, Progress: &progress}}
}

func failed(reason string) pollResult {
	return pollResult{update: core.DownloadUpdate{Status: "failed", Error: reason}}
}

func wait(t *testing.T, tr *Tracking) (core.DownloadTask, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := tr.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !tr.Resolved() {
		t.Fatal("timed out waiting for tracking to resolve")
	}
	return task, err
}

func newTestMonitor(client StatusClient, cfg Config) *Monitor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	m := New(client, cfg)
	return m
}

func TestMonitor_CompletedResolvesOnceAndStopsPolling(t *testing.T) {
	client := newFakeClient()
	client.script("t1", status("downloading", 10), status("downloading", 50), status("completed", 100))
	rec := &fakeRecorder{}
	m := newTestMonitor(client, Config{Recorder: rec})
	defer m.Close(context.Background())

	var mu sync.Mutex
	var seen []float64
	tr, err := m.Track(context.Background(), "t1", func(task core.DownloadTask) {
		mu.Lock()
		seen = append(seen, task.Progress)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	task, err := wait(t, tr)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if task.Status != core.DownloadCompleted || task.Progress != 100 {
		t.Errorf("Wait() task = %+v, want completed at 100", task)
	}

	time.Sleep(50 * time.Millisecond)
	if got := client.callCount("t1"); got != 3 {
		t.Errorf("status calls = %d, want 3 (no polling after completion)", got)
	}

	mu.Lock()
	if len(seen) != 3 || seen[0] != 10 || seen[2] != 100 {
		t.Errorf("progress callbacks = %v, want [10 50 100]", seen)
	}
	mu.Unlock()

	if got := rec.recorded(); len(got) != 1 || got[0].TaskID != "t1" {
		t.Errorf("recorded = %+v, want one t1 record", got)
	}
	if got := m.Tracked(); len(got) != 0 {
		t.Errorf("Tracked() = %v, want empty", got)
	}

	again, err := tr.Result()
	if err != nil || again.Status != core.DownloadCompleted {
		t.Errorf("Result() = %+v, %v", again, err)
	}
}

func TestMonitor_FailedCarriesReason(t *testing.T) {
	tests := []struct {
		name   string
		result pollResult
		want   string
	}{
		{"server reason", failed("disk full"), "disk full"},
		{"default reason", failed(""), DefaultFailureReason},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.script("t", status("downloading", 5), tt.result)
			m := newTestMonitor(client, Config{})
			defer m.Close(context.Background())

			tr, err := m.Track(context.Background(), "t", nil)
			if err != nil {
				t.Fatalf("Track() error = %v", err)
			}
			task, err := wait(t, tr)

			var tf *TaskFailedError
			if !errors.As(err, &tf) {
				t.Fatalf("Wait() error = %v, want *TaskFailedError", err)
			}
			if tf.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", tf.Reason, tt.want)
			}
			if task.Status != core.DownloadFailed {
				t.Errorf("task.Status = %q, want failed", task.Status)
			}
			if !IsTaskFailed(err) {
				t.Error("IsTaskFailed() = false")
			}
		})
	}
}

func TestMonitor_ServerCancelled(t *testing.T) {
	client := newFakeClient()
	client.script("t", status("canceled", 30))
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	tr, _ := m.Track(context.Background(), "t", nil)
	if _, err := wait(t, tr); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("Wait() error = %v, want ErrTaskCancelled", err)
	}
}

func TestMonitor_PollErrorRetriesOnNextTick(t *testing.T) {
	client := newFakeClient()
	client.script("t",
		pollResult{err: errors.New("connection refused")},
		pollResult{err: errors.New("connection refused")},
		status("downloading", 40),
		status("completed", 100),
	)
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	tr, _ := m.Track(context.Background(), "t", nil)
	if _, err := wait(t, tr); err != nil {
		t.Fatalf("Wait() error = %v, want nil", err)
	}
	if got := client.callCount("t"); got != 4 {
		t.Errorf("status calls = %d, want 4", got)
	}
}

func TestMonitor_CancelSuppressesLateResponse(t *testing.T) {
	client := newFakeClient()
	client.script("t", status("downloading", 70))
	client.gate = make(chan struct{})
	client.inFlight = make(chan string, 1)
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	var mu sync.Mutex
	calls := 0
	tr, err := m.Track(context.Background(), "t", func(core.DownloadTask) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	select {
	case <-client.inFlight:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first poll")
	}

	if !m.Cancel("t") {
		t.Fatal("Cancel() = false, want true")
	}
	close(client.gate)

	if _, err := wait(t, tr); !errors.Is(err, ErrTrackingCancelled) {
		t.Errorf("Wait() error = %v, want ErrTrackingCancelled", err)
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	if calls != 0 {
		t.Errorf("progress callbacks after Cancel = %d, want 0", calls)
	}
	mu.Unlock()

	if m.Cancel("t") {
		t.Error("Cancel() twice = true, want false")
	}
	if got := m.Tracked(); len(got) != 0 {
		t.Errorf("Tracked() = %v, want empty", got)
	}
}

func TestMonitor_DuplicateTrackFails(t *testing.T) {
	client := newFakeClient()
	client.script("t", status("downloading", 1))
	m := newTestMonitor(client, Config{PollInterval: time.Hour})
	defer m.Close(context.Background())

	if _, err := m.Track(context.Background(), "t", nil); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	_, err := m.Track(context.Background(), "t", nil)
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("second Track() error = %v, want ErrAlreadyTracked", err)
	}
	if got := core.ClassifyError(err); got != core.ErrCodeAlreadyTracked {
		t.Errorf("ClassifyError() = %q, want %q", got, core.ErrCodeAlreadyTracked)
	}

	m.Cancel("t")
	if _, err := m.Track(context.Background(), "t", nil); err != nil {
		t.Errorf("Track() after Cancel error = %v, want nil", err)
	}
}

func TestMonitor_ConcurrentTasksAreIndependent(t *testing.T) {
	client := newFakeClient()
	client.script("a", status("downloading", 10), status("completed", 100))
	client.script("b", status("downloading", 10), status("downloading", 20), failed("checksum mismatch"))
	client.script("c", status("downloading", 1))
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	ta, _ := m.Track(context.Background(), "a", nil)
	tb, _ := m.Track(context.Background(), "b", nil)
	tc, _ := m.Track(context.Background(), "c", nil, WithTimeout(60*time.Millisecond))

	if _, err := wait(t, ta); err != nil {
		t.Errorf("a: Wait() error = %v, want nil", err)
	}
	if _, err := wait(t, tb); !IsTaskFailed(err) {
		t.Errorf("b: Wait() error = %v, want failure", err)
	}
	if _, err := wait(t, tc); !errors.Is(err, ErrTrackingTimeout) {
		t.Errorf("c: Wait() error = %v, want ErrTrackingTimeout", err)
	}
}

func TestMonitor_PerTaskPollInterval(t *testing.T) {
	client := newFakeClient()
	client.script("slow", status("downloading", 1))
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	if _, err := m.Track(context.Background(), "slow", nil, WithPollInterval(time.Hour)); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount("slow"); got != 1 {
		t.Errorf("status calls = %d, want 1", got)
	}
}

func TestMonitor_SubmitAndStoreMerge(t *testing.T) {
	client := newFakeClient()
	client.script("task-1", status("downloading", 25), status("completed", 100))
	stores := store.New(store.DefaultOptions())
	m := newTestMonitor(client, Config{Store: stores.Downloads})
	defer m.Close(context.Background())

	var last core.DownloadTask
	tr, err := m.Download(context.Background(),
		core.DownloadRequest{ModelID: "qwen", Backend: "vllm"},
		func(task core.DownloadTask) { last = task },
	)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if _, err := wait(t, tr); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	rec, ok := stores.Downloads.Get("task-1")
	if !ok {
		t.Fatal("store has no task-1 record")
	}
	if rec.ModelID != "qwen" || rec.Backend != "vllm" || rec.Status != core.DownloadCompleted {
		t.Errorf("store record = %+v", rec)
	}
	if last.Backend != "vllm" {
		t.Errorf("callback task = %+v, want merged store record", last)
	}

	if _, err := m.Submit(context.Background(), core.DownloadRequest{}); err == nil {
		t.Error("Submit() without model error = nil, want error")
	}
}

func TestMonitor_CloseResolvesLiveTrackings(t *testing.T) {
	client := newFakeClient()
	client.script("t", status("downloading", 1))
	m := newTestMonitor(client, Config{PollInterval: time.Hour})

	tr, _ := m.Track(context.Background(), "t", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := wait(t, tr); !errors.Is(err, ErrMonitorClosed) {
		t.Errorf("Wait() error = %v, want ErrMonitorClosed", err)
	}
	if _, err := m.Track(context.Background(), "u", nil); !errors.Is(err, ErrMonitorClosed) {
		t.Errorf("Track() after Close error = %v, want ErrMonitorClosed", err)
	}
}

func TestMonitor_CallerContextStopsTracking(t *testing.T) {
	client := newFakeClient()
	client.script("t", status("downloading", 1))
	m := newTestMonitor(client, Config{})
	defer m.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	tr, _ := m.Track(ctx, "t", nil)
	cancel()

	if _, err := wait(t, tr); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
