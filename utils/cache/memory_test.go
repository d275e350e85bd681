package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "a", "alpha", time.Minute))
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", val)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	now = now.Add(999 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Millisecond)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)

	require.NoError(t, c.Set(ctx, "first", "1", 0))
	require.NoError(t, c.Set(ctx, "second", "2", 0))
	_, err := c.Get(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "third", "3", 0))

	_, err = c.Get(ctx, "second")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "first")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "third")
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Set(ctx, "forever", "v", 0))
	now = now.Add(20 * time.Second)

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, ttl)

	ttl, err = c.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	now = now.Add(time.Minute)
	_, err = c.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "short", "x", time.Second))
	require.NoError(t, c.Set(ctx, "forever", "y", 0))
	now = now.Add(2 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)

	type payload struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, c.SetJSON(ctx, "classify:abc", payload{Type: "rubric", Confidence: 0.8}, time.Hour))

	var out payload
	require.NoError(t, c.GetJSON(ctx, "classify:abc", &out))
	assert.Equal(t, "rubric", out.Type)
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%8)
			_ = c.Set(ctx, key, "v", time.Minute)
			_, _ = c.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}

func TestTiered_FallsThroughToL2(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryCache(10)
	require.NoError(t, l2.Set(ctx, "shared", "from-l2", time.Hour))

	tiered := NewTiered(NewMemoryCache(10), l2)
	val, err := tiered.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "from-l2", val)

	val, err = tiered.L1.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "from-l2", val)

	_, err = tiered.Get(ctx, "nope")
	assert.True(t, IsMiss(err))
}
