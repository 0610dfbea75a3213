package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGet_NotFound(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	value, found, err := c.Get(ctx, "nonexistent")

	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, cacheTestDummy{}, value)
}

func TestMemorySetAndGet(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	expected := cacheTestDummy{Data: "post body"}
	require.NoError(t, c.Set(ctx, "post-1", expected))

	value, found, err := c.Get(ctx, "post-1")

	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, expected, value)
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "post-1", cacheTestDummy{Data: "x"}))
	require.NoError(t, c.Invalidate(ctx, "post-1"))

	_, found, err := c.Get(ctx, "post-1")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](100*time.Millisecond, 100)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "post-1", cacheTestDummy{Data: "x"}))

	_, found, err := c.Get(ctx, "post-1")
	assert.NoError(t, err)
	assert.True(t, found)

	time.Sleep(150 * time.Millisecond)

	_, found, err = c.Get(ctx, "post-1")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStats_CountsLookups(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	_, _, _ = c.Get(ctx, "post-1")
	require.NoError(t, c.Set(ctx, "post-1", cacheTestDummy{Data: "x"}))
	_, _, _ = c.Get(ctx, "post-1")
	_, _, _ = c.Get(ctx, "post-1")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestMemoryClose_DropsEntries(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "post-1", cacheTestDummy{Data: "x"}))
	require.NoError(t, c.Close())

	_, found, err := c.Get(ctx, "post-1")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrLoad_LoadsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (cacheTestDummy, error) {
		loads++
		return cacheTestDummy{Data: "loaded"}, nil
	}

	first, err := GetOrLoad(ctx, Cache[cacheTestDummy](c), "k", load)
	require.NoError(t, err)
	second, err := GetOrLoad(ctx, Cache[cacheTestDummy](c), "k", load)
	require.NoError(t, err)

	assert.Equal(t, "loaded", first.Data)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, loads)
}

func TestGetOrLoad_LoadErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[cacheTestDummy](time.Minute, 100)
	require.NoError(t, err)

	_, err = GetOrLoad(ctx, Cache[cacheTestDummy](c), "k", func(context.Context) (cacheTestDummy, error) {
		return cacheTestDummy{}, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrLoad_CacheFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	broken := &mockCache[string]{getError: assert.AnError, setError: assert.AnError}

	value, err := GetOrLoad(ctx, Cache[string](broken), "k", func(context.Context) (string, error) {
		return "fresh", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, 1, broken.setCalls)
}

type cacheTestDummy struct {
	Data string
}
