package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOperationTracker_StartDoneWait(t *testing.T) {
	var tr OperationTracker
	if !tr.Start() || !tr.Start() {
		t.Fatal("Start() = false on open tracker")
	}
	if tr.Active() != 2 {
		t.Errorf("Active() = %d, want 2", tr.Active())
	}

	tr.Close()
	if tr.Start() {
		t.Error("Start() = true after Close")
	}
	if !tr.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Done()
		tr.Done()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if tr.Active() != 0 {
		t.Errorf("Active() = %d after Done, want 0", tr.Active())
	}
}

func TestOperationTracker_WaitHonoursContext(t *testing.T) {
	var tr OperationTracker
	tr.Start()
	defer tr.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestOperationTracker_ConcurrentStartWithClose(t *testing.T) {
	var tr OperationTracker
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Start() {
				tr.Done()
			}
		}()
	}
	tr.Close()
	wg.Wait()

	if err := tr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if tr.Active() != 0 {
		t.Errorf("Active() = %d, want 0", tr.Active())
	}
}

func TestSignalCounter_ForcesOnce(t *testing.T) {
	forced := 0
	c := NewSignalCounter(2, func() { forced++ })

	if n := c.Increment(); n != 1 || forced != 0 {
		t.Errorf("first Increment() = %d, forced %d, want 1, 0", n, forced)
	}
	c.Increment()
	c.Increment()
	if forced != 1 {
		t.Errorf("forced = %d, want 1", forced)
	}
	if c.Count() != 3 {
		t.Errorf("Count() = %d, want 3", c.Count())
	}

	nilCallback := NewSignalCounter(1, nil)
	if n := nilCallback.Increment(); n != 1 {
		t.Errorf("Increment() with nil callback = %d, want 1", n)
	}
}
