// Package cache is a two-tier key/value cache: a process-local map in front of an optional Redis.
// Values are msgpack-encoded so both tiers hold the same bytes.
package cache

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/logger"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Cache struct {
	mu     sync.RWMutex
	items  map[string]entry
	redis  *redis.Client
	prefix string
	logger *logger.Logger
	now    func() time.Time
}

// New builds a cache. rdb may be nil, in which case only the memory tier is used.
func New(rdb *redis.Client, log *logger.Logger) *Cache {
	return &Cache{
		items:  make(map[string]entry),
		redis:  rdb,
		prefix: "coinfolio:",
		logger: log.With("component", "cache"),
		now:    time.Now,
	}
}

// NewRedisClient returns nil when Redis is disabled.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Get decodes the cached value for key into dest. It reports false on a miss,
// an expired entry or any decode/backend error.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if data, ok := c.getMemory(key); ok {
		if err := msgpack.Unmarshal(data, dest); err == nil {
			return true
		}
		c.deleteMemory(key)
	}

	if c.redis == nil {
		return false
	}

	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get failed", "key", key, "error", err)
		}
		return false
	}
	if err := msgpack.Unmarshal(data, dest); err != nil {
		c.logger.Warn("decode cached value", "key", key, "error", err)
		return false
	}

	if ttl, err := c.redis.PTTL(ctx, c.prefix+key).Result(); err == nil && ttl > 0 {
		c.setMemory(key, data, ttl)
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		c.logger.Warn("encode cache value", "key", key, "error", err)
		return
	}

	c.setMemory(key, data, ttl)

	if c.redis != nil {
		if err := c.redis.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
			c.logger.Warn("redis set failed", "key", key, "error", err)
		}
	}
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.deleteMemory(key)
	}

	if c.redis != nil && len(keys) > 0 {
		full := make([]string, len(keys))
		for i, key := range keys {
			full[i] = c.prefix + key
		}
		if err := c.redis.Del(ctx, full...).Err(); err != nil {
			c.logger.Warn("redis delete failed", "keys", keys, "error", err)
		}
	}
}

// InvalidatePattern removes every key matching the glob pattern (e.g. "portfolio:1:*")
// from both tiers and returns how many memory entries were dropped.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	c.mu.Lock()
	removed := 0
	for key := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.items, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.redis != nil {
		iter := c.redis.Scan(ctx, 0, c.prefix+pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			c.logger.Warn("redis scan failed", "pattern", pattern, "error", err)
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("redis delete failed", "pattern", pattern, "error", err)
			}
		}
	}

	return removed
}

// PurgeExpired drops expired memory entries. Redis expires its own keys.
func (c *Cache) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) getMemory(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.deleteMemory(key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) setMemory(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry{value: data, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) deleteMemory(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
