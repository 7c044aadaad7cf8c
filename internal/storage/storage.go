// Package storage is the narrow contract the client core needs from a
// durable store: get/put/remove by key plus lookups on secondary indexes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// Record is one value in a collection. Indexes maps an index name to the
// value the record is filed under.
type Record struct {
	Key     string
	Value   []byte
	Indexes map[string]string
}

// Store is implemented by every storage engine. Implementations must be safe
// for concurrent use and must tolerate other writers on the same data.
type Store interface {
	Get(ctx context.Context, collection, key string) (*Record, error)
	Put(ctx context.Context, collection string, rec Record) error
	Remove(ctx context.Context, collection, key string) error
	// RangeByIndex returns the records whose index equals value, ordered by
	// key. An empty index returns the whole collection.
	RangeByIndex(ctx context.Context, collection, index, value string) ([]Record, error)
}

func GetJSON(ctx context.Context, s Store, collection, key string, v any) error {
	rec, err := s.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(rec.Value, v)
}

func PutJSON(ctx context.Context, s Store, collection, key string, v any, indexes map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, collection, Record{Key: key, Value: data, Indexes: indexes})
}

// All decodes every record of a collection into a slice of T.
func All[T any](ctx context.Context, s Store, collection, index, value string) ([]T, error) {
	recs, err := s.RangeByIndex(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
