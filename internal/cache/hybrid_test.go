package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/async"
)

func newTestCache(t *testing.T) (*Hybrid, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	runner := async.NewRunner(256)
	runner.Start()
	t.Cleanup(runner.Stop)

	h, err := New(Config{Client: client, Runner: runner, Capacity: 128, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	h, _ := newTestCache(t)
	ctx := context.Background()

	h.Set(ctx, "k1", []byte("v1"), time.Minute, nil)
	got, ok := h.Get(ctx, "k1")
	if !ok || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestL2WriteHappensAsync(t *testing.T) {
	h, mr := newTestCache(t)
	ctx := context.Background()

	h.Set(ctx, "k1", []byte("v1"), time.Minute, nil)
	h.Flush()
	if got, err := mr.Get("k1"); err != nil || got != "v1" {
		t.Fatalf("l2 value = %q, %v", got, err)
	}
}

func TestL2HitPromotesToL1(t *testing.T) {
	h, mr := newTestCache(t)
	ctx := context.Background()

	// Value present only in L2 (as after a process restart).
	mr.Set("warm", "from-l2")

	got, ok := h.Get(ctx, "warm")
	if !ok || string(got) != "from-l2" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := h.l1.Get("warm"); !ok {
		t.Fatal("l2 hit was not promoted to l1")
	}
}

func TestMGetMixedTiers(t *testing.T) {
	h, mr := newTestCache(t)
	ctx := context.Background()

	h.l1.Set("a", []byte("1"), time.Minute)
	mr.Set("b", "2")

	got := h.MGet(ctx, []string{"a", "b", "missing"})
	if string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("MGet = %v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Fatal("missing key present in result")
	}
}

func TestInvalidateEntitiesTearsBothTiers(t *testing.T) {
	h, mr := newTestCache(t)
	ctx := context.Background()

	h.Set(ctx, "staging:entity:Player:1:p1", []byte("e1"), time.Minute, []string{"Player:p1"})
	h.Set(ctx, "rankings:staging:Player:1:kills:1:DESC:10", []byte("board"), time.Minute, []string{"Player:p1", "Player:p2"})
	h.Set(ctx, "unrelated", []byte("keep"), time.Minute, []string{"Guild:g1"})
	h.Flush()

	h.InvalidateEntities(ctx, []string{"Player:p1"})
	h.Flush()

	if _, ok := h.Get(ctx, "staging:entity:Player:1:p1"); ok {
		t.Fatal("entity key survived invalidation")
	}
	if _, ok := h.Get(ctx, "rankings:staging:Player:1:kills:1:DESC:10"); ok {
		t.Fatal("dependent rankings key survived invalidation")
	}
	if _, ok := h.Get(ctx, "unrelated"); !ok {
		t.Fatal("unrelated key was invalidated")
	}
	if mr.Exists("staging:entity:Player:1:p1") {
		t.Fatal("l2 entity key survived invalidation")
	}

	fps, cacheKeys := h.deps.size()
	if fps != 1 || cacheKeys != 1 {
		t.Fatalf("index not torn down: %d fingerprints, %d keys", fps, cacheKeys)
	}
}

func TestL2DownDegradesToL1(t *testing.T) {
	h, mr := newTestCache(t)
	ctx := context.Background()

	h.Set(ctx, "k1", []byte("v1"), time.Minute, nil)
	h.Flush()
	mr.Close()

	// L1 still serves; L2 errors are swallowed.
	if got, ok := h.Get(ctx, "k1"); !ok || string(got) != "v1" {
		t.Fatalf("Get with l2 down = %q, %v", got, ok)
	}
	h.Set(ctx, "k2", []byte("v2"), time.Minute, nil)
	h.Flush()
	if got, ok := h.Get(ctx, "k2"); !ok || string(got) != "v2" {
		t.Fatalf("Set/Get with l2 down = %q, %v", got, ok)
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestCache(t)
	ctx := context.Background()

	h.Set(ctx, "k", []byte("v"), time.Minute, nil)
	h.Get(ctx, "k")
	h.Get(ctx, "absent")

	hits, misses := h.Stats()
	if hits < 1 || misses < 1 {
		t.Fatalf("stats = %d hits, %d misses", hits, misses)
	}
}
