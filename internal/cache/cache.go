// Package cache provides a time-boxed get-or-compute layer in front of
// expensive aggregate computations. The backend is best-effort: when it is
// down or misbehaving the cache degrades to computing on every call, it
// never blocks or fails a retrieval.
package cache

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Backend is the minimal per-key store the cache needs. Implementations
// must treat Set with a ttl as an atomic set-with-expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Cache wraps a Backend with the get-or-compute contract. A nil Backend is
// valid and means "compute every time".
type Cache struct {
	backend Backend
}

func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// GetOrCompute returns the cached bytes for key when present, otherwise runs
// compute, stores the result with the given ttl, and returns it. Backend
// failures on either side are logged and bypassed; only compute errors are
// surfaced to the caller.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if c.backend != nil {
		val, err := c.backend.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrMiss) {
			log.Printf("cache get %s failed, computing directly: %v", key, err)
		}
	}

	val, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	if c.backend != nil {
		if err := c.backend.Set(ctx, key, val, ttl); err != nil {
			log.Printf("cache set %s failed: %v", key, err)
		}
	}
	return val, nil
}

// RedisBackend adapts a go-redis client to the Backend interface.
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return val, err
}

func (b *RedisBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, val, ttl).Err()
}
