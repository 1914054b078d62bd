package intent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCacheKey(t *testing.T) {
	a := CacheKey(group("Should we order pizza?"))
	b := CacheKey(group("should   we order PIZZA"))
	if a != b {
		t.Error("normalization differences changed the key")
	}
	other := group("should we order pizza")
	other.ConversationID = "c2"
	if CacheKey(other) == a {
		t.Error("different conversation produced the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
}

func TestMemoryCache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCache(func() time.Time { return now })
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("empty cache hit")
	}
	if err := c.Set(ctx, "k", true, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	now = now.Add(29 * time.Second)
	if respond, ok, _ := c.Get(ctx, "k"); !ok || !respond {
		t.Errorf("Get before expiry = %v, %v", respond, ok)
	}

	now = now.Add(time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry survived its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCache(func() time.Time { return now })
	c.sweepAt = 4
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		_ = c.Set(ctx, k, false, time.Second)
	}
	now = now.Add(2 * time.Second)
	_ = c.Set(ctx, "e", true, time.Second)

	if c.Len() != 1 {
		t.Errorf("len after sweep = %d, want 1", c.Len())
	}
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCache(client, "")
}

func TestRedisCache(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("empty Get = %v, %v", ok, err)
	}
	if err := c.Set(ctx, "k", false, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if respond, ok, err := c.Get(ctx, "k"); !ok || respond || err != nil {
		t.Errorf("Get = %v, %v, %v", respond, ok, err)
	}
	if !mr.Exists("parley:intent:k") {
		t.Error("key not stored under prefix")
	}
	if ttl := mr.TTL("parley:intent:k"); ttl != 30*time.Second {
		t.Errorf("ttl = %v", ttl)
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry survived its TTL")
	}
}

func TestRedisCacheSharedBetweenGates(t *testing.T) {
	_, c := setupRedis(t)
	var calls atomic.Int32
	cl := countingClassifier(&calls, true, nil)

	g1 := mustGate(t, WithCache(c), WithClassifier(cl))
	g2 := mustGate(t, WithCache(c), WithClassifier(cl))

	g1.Decide(context.Background(), group("should we order pizza"))
	d := g2.Decide(context.Background(), group("should we order pizza"))
	if d.Source != SourceCache || !d.Respond {
		t.Errorf("second instance = %+v", d)
	}
	if calls.Load() != 1 {
		t.Errorf("classifier calls = %d, want 1", calls.Load())
	}
}

func TestRedisUnavailableFallsThrough(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	c := NewRedisCache(client, "")
	mr.Close()

	var calls atomic.Int32
	g := mustGate(t, WithCache(c), WithClassifier(countingClassifier(&calls, false, nil)))
	d := g.Decide(context.Background(), group("should we order pizza"))
	if d.Source != SourceClassifier {
		t.Errorf("Decide = %+v, want classifier despite cache failure", d)
	}
}
