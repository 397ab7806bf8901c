package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coinfolio/internal/logger"
)

type summary struct {
	TotalValue float64
	ItemCount  int
}

func TestMemoryTierTTL(t *testing.T) {
	c := New(nil, logger.Nop())
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "prices:BTC", map[string]float64{"BTC": 45000}, 10*time.Second)

	var got map[string]float64
	require.True(t, c.Get(ctx, "prices:BTC", &got))
	assert.Equal(t, 45000.0, got["BTC"])

	now = now.Add(10 * time.Second)
	assert.False(t, c.Get(ctx, "prices:BTC", &got))
}

func TestInvalidatePattern(t *testing.T) {
	c := New(nil, logger.Nop())
	ctx := context.Background()

	c.Set(ctx, "portfolio:1:summary:USD", summary{TotalValue: 1}, time.Minute)
	c.Set(ctx, "portfolio:1:summary:EUR", summary{TotalValue: 2}, time.Minute)
	c.Set(ctx, "portfolio:2:summary:USD", summary{TotalValue: 3}, time.Minute)

	assert.Equal(t, 2, c.InvalidatePattern(ctx, "portfolio:1:*"))

	var s summary
	assert.False(t, c.Get(ctx, "portfolio:1:summary:USD", &s))
	require.True(t, c.Get(ctx, "portfolio:2:summary:USD", &s))
	assert.Equal(t, 3.0, s.TotalValue)
}

func TestPurgeExpired(t *testing.T) {
	c := New(nil, logger.Nop())
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Second)
	c.Set(ctx, "b", 2, time.Hour)
	now = now.Add(2 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired())
}

func TestRedisTierBackfillsMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	writer := New(rdb, logger.Nop())
	writer.Set(ctx, "portfolio:1:summary:USD", summary{TotalValue: 22500, ItemCount: 1}, time.Minute)
	assert.True(t, mr.Exists("coinfolio:portfolio:1:summary:USD"))

	// a second process sees the value through Redis only
	reader := New(rdb, logger.Nop())
	var s summary
	require.True(t, reader.Get(ctx, "portfolio:1:summary:USD", &s))
	assert.Equal(t, summary{TotalValue: 22500, ItemCount: 1}, s)

	_, ok := reader.getMemory("portfolio:1:summary:USD")
	assert.True(t, ok)

	reader.InvalidatePattern(ctx, "portfolio:1:*")
	assert.False(t, mr.Exists("coinfolio:portfolio:1:summary:USD"))
}
