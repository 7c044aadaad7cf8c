// Package redis backs the relay's offline message queues and attachment
// blobs with Redis lists and expiring keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_multidevice/internal/storage"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb     *redis.Client
		blobTTL time.Duration
	}
)

func NewRedis(rdb *redis.Client, blobTTL time.Duration) *RedisService {
	return &RedisService{
		rdb:     rdb,
		blobTTL: blobTTL,
	}
}

func queueKey(addr string) string {
	return fmt.Sprintf("queue:%s", addr)
}

func blobKey(id string) string {
	return fmt.Sprintf("attachment:%s", id)
}

// Push appends envelopes to the offline queue of a device.
func (r *RedisService) Push(ctx context.Context, addr string, envelopes ...[]byte) error {
	vals := make([]any, 0, len(envelopes))
	for _, e := range envelopes {
		vals = append(vals, e)
	}
	return r.rdb.RPush(ctx, queueKey(addr), vals...).Err()
}

// Drain atomically takes every queued envelope of a device.
func (r *RedisService) Drain(ctx context.Context, addr string) ([][]byte, error) {
	key := queueKey(addr)
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	vals := lrange.Val()
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (r *RedisService) PutBlob(ctx context.Context, id string, data []byte) error {
	return r.rdb.Set(ctx, blobKey(id), data, r.blobTTL).Err()
}

func (r *RedisService) GetBlob(ctx context.Context, id string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, blobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	return v, err
}
