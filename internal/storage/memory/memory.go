package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"e2e_multidevice/internal/storage"
)

// Store keeps collections in process memory. Used by tests and by
// short-lived clients.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]storage.Record
}

func New() *Store {
	return &Store{collections: make(map[string]map[string]storage.Record)}
}

func (s *Store) Get(_ context.Context, collection, key string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[collection][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copyRecord(rec)
	return &out, nil
}

func (s *Store) Put(_ context.Context, collection string, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]storage.Record)
		s.collections[collection] = c
	}
	c[rec.Key] = copyRecord(rec)
	return nil
}

func (s *Store) Remove(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], key)
	return nil
}

func (s *Store) RangeByIndex(_ context.Context, collection, index, value string) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.collections[collection]
	keys := slices.Sorted(maps.Keys(c))
	out := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		rec := c[k]
		if index != "" && rec.Indexes[index] != value {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func copyRecord(r storage.Record) storage.Record {
	return storage.Record{
		Key:     r.Key,
		Value:   append([]byte(nil), r.Value...),
		Indexes: maps.Clone(r.Indexes),
	}
}

var _ storage.Store = (*Store)(nil)
