package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedRunsInOrderPerKey(t *testing.T) {
	q := NewKeyed()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	release := make(chan struct{})

	// The first job blocks so the rest pile up behind it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(ctx, "bob", func(context.Context) error {
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	waitPending(t, q, "bob", 0)

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(ctx, "bob", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitPending(t, q, "bob", i)
	}
	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestKeyedKeysRunConcurrently(t *testing.T) {
	q := NewKeyed()
	ctx := context.Background()

	var running atomic.Int32
	both := make(chan struct{})
	var once sync.Once

	job := func(context.Context) error {
		if running.Add(1) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return context.DeadlineExceeded
		}
	}

	errc := make(chan error, 2)
	go func() { errc <- q.Do(ctx, "alice", job) }()
	go func() { errc <- q.Do(ctx, "bob", job) }()
	for range 2 {
		if err := <-errc; err != nil {
			t.Fatalf("jobs under different keys did not overlap: %v", err)
		}
	}
}

func TestKeyedAbandonOnCancel(t *testing.T) {
	q := NewKeyed()
	block := make(chan struct{})
	defer close(block)

	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error {
			<-block
			return nil
		})
	}()
	waitPending(t, q, "k", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Do(ctx, "k", func(context.Context) error { return nil }); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// waitPending waits until n jobs are queued behind the running one.
func waitPending(t *testing.T, q *Keyed, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		backlog, ok := q.pending[key]
		q.mu.Unlock()
		if ok && len(backlog) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending jobs under %q", n, key)
}
