package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer[string](5 * time.Second)
	var calls int32
	release := make(chan struct{})

	fn := func() (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "series", nil
	}

	const n = 10
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		started.Add(1)
		go func(idx int) {
			defer wg.Done()
			started.Done()
			results[idx], _, errs[idx] = coalescer.GetOrDo(context.Background(), "key", fn)
		}(i)
	}
	started.Wait()
	// Give every goroutine time to join the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v, want nil", i, errs[i])
		}
		if results[i] != "series" {
			t.Errorf("request %d result = %q, want series", i, results[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestRequestCoalescer_GetOrDo_Error(t *testing.T) {
	coalescer := newRequestCoalescer[string](time.Second)
	errBoom := errors.New("boom")

	_, _, err := coalescer.GetOrDo(context.Background(), "key", func() (string, error) {
		return "", errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("GetOrDo() error = %v, want %v", err, errBoom)
	}

	// The failed call is not remembered; the next call runs again.
	got, _, err := coalescer.GetOrDo(context.Background(), "key", func() (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("GetOrDo() after error = %q, %v, want ok, nil", got, err)
	}
}

// TestRequestCoalescer_GetOrDo_WaiterTimeout verifies that a waiter stops waiting
// after the coalescer timeout even if the shared call is still running.
func TestRequestCoalescer_GetOrDo_WaiterTimeout(t *testing.T) {
	coalescer := newRequestCoalescer[string](30 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, _, err := coalescer.GetOrDo(context.Background(), "key", func() (string, error) {
		<-release
		return "late", nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetOrDo() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("GetOrDo() waited %v, want about 30ms", elapsed)
	}
}

func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer[string](time.Second)
	var calls int32
	fn := func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}
	_, _, _ = coalescer.GetOrDo(context.Background(), "a", fn)
	_, _, _ = coalescer.GetOrDo(context.Background(), "b", fn)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
}
