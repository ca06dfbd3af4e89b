// Package cache implements the hybrid L1/L2 cache: a bounded in-process
// otter tier in front of Redis, with a bidirectional dependency index from
// entity fingerprints to cache keys for invalidation.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/async"
)

const (
	// DefaultCapacity bounds the L1 tier.
	DefaultCapacity = 10_000
	// DefaultTTL applies when callers pass a non-positive TTL.
	DefaultTTL = 5 * time.Minute

	l2Timeout = 3 * time.Second
)

// Entry is one key/value pair with its dependency fingerprints, used by
// SetMany when populating the cache from a batch load.
type Entry struct {
	Key   string
	Value []byte
	Deps  []string
}

// Hybrid is the two-tier cache. L2 failures are logged and degrade to
// L1-only operation; they never propagate to callers.
type Hybrid struct {
	l1     otter.CacheWithVariableTTL[string, []byte]
	client redis.UniversalClient
	runner *async.Runner
	ttl    time.Duration

	deps *depIndex

	hits   *xsync.Counter
	misses *xsync.Counter
}

// Config configures a Hybrid cache. Client may be nil in tests that only
// need the L1 tier.
type Config struct {
	Client     redis.UniversalClient
	Runner     *async.Runner
	Capacity   int
	DefaultTTL time.Duration
}

// New creates a Hybrid cache.
func New(cfg Config) (*Hybrid, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l1, err := otter.MustBuilder[string, []byte](capacity).
		Cost(func(_ string, _ []byte) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build l1: %w", err)
	}

	return &Hybrid{
		l1:     l1,
		client: cfg.Client,
		runner: cfg.Runner,
		ttl:    ttl,
		deps:   newDepIndex(),
		hits:   xsync.NewCounter(),
		misses: xsync.NewCounter(),
	}, nil
}

// Get returns the cached value for key. An L1 hit returns immediately; on
// miss the L2 tier is consulted and hits are promoted to L1 with the
// default TTL.
func (h *Hybrid) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := h.l1.Get(key); ok {
		h.hits.Add(1)
		return val, true
	}
	val, ok := h.l2Get(ctx, key)
	if !ok {
		h.misses.Add(1)
		return nil, false
	}
	h.hits.Add(1)
	h.l1.Set(key, val, h.ttl)
	return val, true
}

// Set writes L1 synchronously, schedules the L2 write on the runner, and
// records dependency edges for each fingerprint in deps.
func (h *Hybrid) Set(ctx context.Context, key string, value []byte, ttl time.Duration, deps []string) {
	if ttl <= 0 {
		ttl = h.ttl
	}
	h.l1.Set(key, value, ttl)
	h.deps.add(key, deps)
	if h.client == nil {
		return
	}
	h.scheduleL2(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
}

// MGet resolves keys from L1 first, then a single L2 multi-get for the
// misses. Missing keys are absent from the returned map.
func (h *Hybrid) MGet(ctx context.Context, cacheKeys []string) map[string][]byte {
	out := make(map[string][]byte, len(cacheKeys))
	var missing []string
	for _, key := range cacheKeys {
		if val, ok := h.l1.Get(key); ok {
			h.hits.Add(1)
			out[key] = val
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) == 0 || h.client == nil {
		h.misses.Add(int64(len(missing)))
		return out
	}

	l2ctx, cancel := context.WithTimeout(ctx, l2Timeout)
	defer cancel()
	vals, err := h.client.MGet(l2ctx, missing...).Result()
	if err != nil {
		log.Printf("[cache] l2 mget failed (%d keys): %v", len(missing), err)
		h.misses.Add(int64(len(missing)))
		return out
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			h.misses.Add(1)
			continue
		}
		h.hits.Add(1)
		val := []byte(s)
		out[missing[i]] = val
		h.l1.Set(missing[i], val, h.ttl)
	}
	return out
}

// SetMany writes a batch of entries with one shared TTL: L1 synchronously,
// L2 through a single pipelined round-trip on the runner.
func (h *Hybrid) SetMany(ctx context.Context, entries []Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = h.ttl
	}
	for _, e := range entries {
		h.l1.Set(e.Key, e.Value, ttl)
		h.deps.add(e.Key, e.Deps)
	}
	if h.client == nil || len(entries) == 0 {
		return
	}
	snapshot := make([]Entry, len(entries))
	copy(snapshot, entries)
	h.scheduleL2(func(ctx context.Context, pipe redis.Pipeliner) {
		for _, e := range snapshot {
			pipe.Set(ctx, e.Key, e.Value, ttl)
		}
	})
}

// Delete removes keys from both tiers and drops their dependency edges.
func (h *Hybrid) Delete(ctx context.Context, cacheKeys ...string) {
	for _, key := range cacheKeys {
		h.l1.Delete(key)
	}
	h.deps.removeKeys(cacheKeys)
	if h.client == nil || len(cacheKeys) == 0 {
		return
	}
	snapshot := make([]string, len(cacheKeys))
	copy(snapshot, cacheKeys)
	h.scheduleL2(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, snapshot...)
	})
}

// InvalidateEntities removes every cache key depending on any of the given
// entity fingerprints from both tiers, tearing down both index directions.
func (h *Hybrid) InvalidateEntities(ctx context.Context, fingerprints []string) {
	affected := h.deps.removeFingerprints(fingerprints)
	if len(affected) == 0 {
		return
	}
	for _, key := range affected {
		h.l1.Delete(key)
	}
	if h.client == nil {
		return
	}
	h.scheduleL2(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, affected...)
	})
}

// Stats returns the cumulative hit and miss counts.
func (h *Hybrid) Stats() (hits, misses int64) {
	return h.hits.Value(), h.misses.Value()
}

// Flush drains pending L2 writes. Test hook.
func (h *Hybrid) Flush() {
	if h.runner != nil {
		h.runner.Flush()
	}
}

// Close releases the L1 tier. The Redis client is owned by the caller.
func (h *Hybrid) Close() {
	h.l1.Close()
}

func (h *Hybrid) l2Get(ctx context.Context, key string) ([]byte, bool) {
	if h.client == nil {
		return nil, false
	}
	l2ctx, cancel := context.WithTimeout(ctx, l2Timeout)
	defer cancel()
	val, err := h.client.Get(l2ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		// Treat a broken L2 as a miss; L1 keeps the core operational.
		log.Printf("[cache] l2 get %s failed: %v", key, err)
		return nil, false
	}
	return val, true
}

// scheduleL2 runs a pipelined L2 mutation on the runner, or inline when no
// runner is configured.
func (h *Hybrid) scheduleL2(build func(ctx context.Context, pipe redis.Pipeliner)) {
	work := func() {
		ctx, cancel := context.WithTimeout(context.Background(), l2Timeout)
		defer cancel()
		_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			build(ctx, pipe)
			return nil
		})
		if err != nil {
			log.Printf("[cache] l2 write failed: %v", err)
		}
	}
	if h.runner == nil {
		work()
		return
	}
	h.runner.Go("cache.l2", work)
}
