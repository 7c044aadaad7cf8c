package queue

import (
	"context"
	"sync"
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Keyed runs jobs one at a time per key, in submission order. Jobs under
// different keys run concurrently. Each key owns one worker goroutine that
// exits once its backlog is empty.
type Keyed struct {
	mu      sync.Mutex
	pending map[string][]*job
}

func NewKeyed() *Keyed {
	return &Keyed{pending: make(map[string][]*job)}
}

// Do enqueues fn under key and waits for it to finish. If ctx ends first the
// wait is abandoned; fn still runs with ctx and observes the cancellation.
func (q *Keyed) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	backlog, running := q.pending[key]
	q.pending[key] = append(backlog, j)
	q.mu.Unlock()

	if !running {
		go q.work(key)
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Keyed) work(key string) {
	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		j := backlog[0]
		q.pending[key] = backlog[1:]
		q.mu.Unlock()

		j.done <- j.fn(j.ctx)
	}
}
