package kvstore

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
)

const shardCount = 64

// MemoryStore is an in-process Store. Keys are spread over lock-striped
// shards so updates to unrelated keys rarely contend.
type MemoryStore struct {
	shards [shardCount]*shard
	clock  clock.Clock
}

type shard struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore creates an empty MemoryStore using clk for TTL bookkeeping
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	s := &MemoryStore{clock: clk}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns a copy of the value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(s.clock.Now()) {
		delete(sh.items, key)
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

// Set stores value under key
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.items[key] = entry{value: clone(value), expiresAt: s.expiry(ttl)}
	sh.mu.Unlock()
	return nil
}

// Delete removes key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
	return nil
}

// Update holds the key's shard lock for the whole read-modify-write.
// Context cancellation is only honoured before fn runs.
func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current []byte
	e, found := sh.items[key]
	if found && e.expired(s.clock.Now()) {
		delete(sh.items, key)
		found = false
	}
	if found {
		current = clone(e.value)
	}

	m, err := fn(current, found)
	if err != nil {
		return err
	}
	if m.Delete {
		delete(sh.items, key)
		return nil
	}
	sh.items[key] = entry{value: clone(m.Value), expiresAt: s.expiry(m.TTL)}
	return nil
}

// Scan visits live keys with the given prefix. Each shard is locked only
// while its matching entries are copied out, so fn may call back into the store.
func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	now := s.clock.Now()
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		type kv struct {
			key   string
			value []byte
		}
		var matched []kv
		sh.mu.Lock()
		for k, e := range sh.items {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				matched = append(matched, kv{k, clone(e.value)})
			}
		}
		sh.mu.Unlock()

		for _, m := range matched {
			if !fn(m.key, m.value) {
				return nil
			}
		}
	}
	return nil
}

// Sweep drops expired entries from every shard
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len counts live entries
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	now := s.clock.Now()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.items {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, ctx.Err()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
