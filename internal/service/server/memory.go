package server

import (
	"context"
	"slices"
	"sync"

	"e2e_multidevice/internal/storage"
)

// MemoryQueue is the in-process MessageQueue and BlobStore used when no
// Redis is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][][]byte
	blobs  map[string][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string][][]byte),
		blobs:  make(map[string][]byte),
	}
}

func (q *MemoryQueue) Push(_ context.Context, addr string, envelopes ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range envelopes {
		q.queues[addr] = append(q.queues[addr], slices.Clone(e))
	}
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, addr string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queues[addr]
	delete(q.queues, addr)
	return out, nil
}

func (q *MemoryQueue) PutBlob(_ context.Context, id string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blobs[id] = slices.Clone(data)
	return nil
}

func (q *MemoryQueue) GetBlob(_ context.Context, id string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.blobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(b), nil
}
