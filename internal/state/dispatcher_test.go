package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsInOrderOnOneGoroutine(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	go d.Run(ctx)

	var (
		mu      sync.Mutex
		got     []int
		running int
		overlap bool
	)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		if !d.Post(func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > 1 {
				overlap = true
			}
			got = append(got, i)
			mu.Unlock()

			mu.Lock()
			running--
			mu.Unlock()
		}) {
			t.Fatal("Post rejected")
		}
	}
	wg.Wait()

	if overlap {
		t.Fatal("posted funcs ran concurrently")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestDispatcherDo(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	go d.Run(ctx)

	ran := false
	if !d.Do(func() { ran = true }) {
		t.Fatal("Do reported not run")
	}
	if !ran {
		t.Fatal("Do returned before fn ran")
	}
}

func TestDispatcherStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher()

	ran := make(chan struct{})
	d.Post(func() { close(ran) })

	go d.Run(ctx)
	<-ran
	cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if d.Post(func() {}) {
		t.Fatal("Post accepted after stop")
	}
	if d.Do(func() {}) {
		t.Fatal("Do ran after stop")
	}
}
