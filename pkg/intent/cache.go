package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache stores recent classifier answers.
type DecisionCache interface {
	Get(ctx context.Context, key string) (respond bool, ok bool, err error)
	Set(ctx context.Context, key string, respond bool, ttl time.Duration) error
}

// CacheKey derives the cache key for a request from its conversation,
// speaker and normalized text.
func CacheKey(req Request) string {
	sum := sha256.Sum256([]byte(req.ConversationID + "\x00" + req.ParticipantID + "\x00" + normalizeText(req.Text)))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	respond   bool
	expiresAt time.Time
}

// MemoryCache is an in-process DecisionCache. Expired entries are dropped
// on access and swept whenever the cache grows past sweepAt entries.
type MemoryCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
	sweepAt int
}

// NewMemoryCache creates an empty cache. A nil clock uses time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		now:     now,
		entries: make(map[string]memoryEntry),
		sweepAt: 256,
	}
}

// Get implements DecisionCache.
func (c *MemoryCache) Get(_ context.Context, key string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return false, false, nil
	}
	return e.respond, true, nil
}

// Set implements DecisionCache.
func (c *MemoryCache) Set(_ context.Context, key string, respond bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.sweepAt {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.sweepAt {
			c.sweepAt *= 2
		}
	}
	c.entries[key] = memoryEntry{respond: respond, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares decisions between instances serving the same
// conversations.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache on client. Keys are stored under prefix,
// "parley:intent:" if empty.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "parley:intent:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements DecisionCache.
func (c *RedisCache) Get(ctx context.Context, key string) (bool, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("intent: redis get: %w", err)
	}
	return v == "1", true, nil
}

// Set implements DecisionCache.
func (c *RedisCache) Set(ctx context.Context, key string, respond bool, ttl time.Duration) error {
	v := "0"
	if respond {
		v = "1"
	}
	if err := c.client.Set(ctx, c.prefix+key, v, ttl).Err(); err != nil {
		return fmt.Errorf("intent: redis set: %w", err)
	}
	return nil
}

var (
	_ DecisionCache = (*MemoryCache)(nil)
	_ DecisionCache = (*RedisCache)(nil)
)
