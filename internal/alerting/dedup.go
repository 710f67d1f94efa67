package alerting

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupStore reserves dedup keys for a TTL. Reserve returns false when the key is
// already held by an earlier alert.
type DedupStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDedup is a key-sharded in-process TTL set.
type MemoryDedup struct {
	shards []*dedupShard
	now    func() time.Time
}

type dedupShard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	writes  int
}

// sweep a shard every this many writes
const sweepEvery = 256

// NewMemoryDedup creates a store with n shards. A nil now defaults to time.Now.
func NewMemoryDedup(shards int, now func() time.Time) *MemoryDedup {
	if shards <= 0 {
		shards = 16
	}
	if now == nil {
		now = time.Now
	}
	d := &MemoryDedup{shards: make([]*dedupShard, shards), now: now}
	for i := range d.shards {
		d.shards[i] = &dedupShard{expires: make(map[string]time.Time)}
	}
	return d
}

func (d *MemoryDedup) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s := d.shards[shardOf(key, len(d.shards))]
	now := d.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(now)
	}
	return true, nil
}

// Sweep drops expired keys from every shard and returns how many were removed.
func (d *MemoryDedup) Sweep() int {
	now := d.now()
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		removed += s.sweep(now)
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of held keys, expired or not.
func (d *MemoryDedup) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.expires)
		s.mu.Unlock()
	}
	return n
}

func (s *dedupShard) sweep(now time.Time) int {
	removed := 0
	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
			removed++
		}
	}
	return removed
}

// RedisDedup shares dedup keys between instances via SET NX PX.
type RedisDedup struct {
	client redis.Cmdable
	prefix string
}

// NewRedisDedup wraps a redis client. Keys are stored under prefix.
func NewRedisDedup(client redis.Cmdable, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "dexsonar:dedup:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (d *RedisDedup) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

var (
	_ DedupStore = (*MemoryDedup)(nil)
	_ DedupStore = (*RedisDedup)(nil)
)
