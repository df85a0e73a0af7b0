// Package redis implements gateway.KVStore on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// Options holds connection settings for NewKVStore.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// KVStore stores task records, counters, and cached responses in Redis.
type KVStore struct {
	client redis.UniversalClient
}

// NewKVStore connects to Redis and verifies the connection with PING.
func NewKVStore(ctx context.Context, opts Options) (*KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &KVStore{client: client}, nil
}

// NewKVStoreWithClient wraps an existing client (useful for tests).
func NewKVStoreWithClient(client redis.UniversalClient) *KVStore {
	return &KVStore{client: client}
}

// Get returns the value at key or gateway.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// Set writes value with SET EX. A non-positive ttl stores without expiry.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Incr increments the counter at key. The expiry is only set by the
// increment that creates the key, so the window is anchored to the first hit.
func (s *KVStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (s *KVStore) Close() error {
	return s.client.Close()
}

var _ gateway.KVStore = (*KVStore)(nil)
