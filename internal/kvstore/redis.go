package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 32

// RedisStore is a Store shared between instances through Redis.
// Update uses WATCH/MULTI/EXEC and retries when another writer wins the race.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// RedisConfig holds RedisStore options
type RedisConfig struct {
	// Prefix namespaces every key, e.g. "tangibly"
	Prefix string
	// MaxRetries bounds the optimistic update loop. Default: 32
	MaxRetries int
}

// NewRedisStore creates a Store backed by client
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: maxRetries}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get fetches key from Redis
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

// Set writes key with an optional TTL
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttlArg(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH transaction on key
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			current, found = nil, false
		} else if err != nil {
			return err
		}

		m, err := fn(current, found)
		if err != nil {
			return err
		}

		// The commit must not be torn by the caller going away: once EXEC is
		// sent the decision computed by fn is the one that stands.
		commitCtx := context.WithoutCancel(ctx)
		_, err = tx.TxPipelined(commitCtx, func(pipe redis.Pipeliner) error {
			if m.Delete {
				pipe.Del(commitCtx, k)
				return nil
			}
			pipe.Set(commitCtx, k, m.Value, ttlArg(m.TTL))
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Scan iterates keys under prefix with SCAN MATCH
func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		b, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis scan get: %w", err)
		}
		if !fn(strings.TrimPrefix(full, s.prefix), b) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis evicts expired keys itself
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// Len counts keys under the store prefix
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	if s.prefix == "" {
		n, err := s.client.DBSize(ctx).Result()
		return int(n), err
	}
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// Ping checks connectivity, used by health probes
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func ttlArg(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
