// Package kvredis implements the engine's KV interface on Redis. Rate-limit
// buckets are the only consumer, so the adapter stays deliberately small:
// string values with per-key TTLs, no pipelines, no scripting.
package kvredis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store adapts a go-redis client to ember.KV.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing client. prefix namespaces every key; pass "" for
// none.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get returns the value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// Put stores the value with the given TTL, replacing any previous value and
// restarting its expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}
