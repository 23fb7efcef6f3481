package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeySeparatesProviderAndModel(t *testing.T) {
	base := CacheKey("openai", "text-embedding-3-small", "hello")
	assert.Len(t, base, 64)
	assert.Equal(t, base, CacheKey("openai", "text-embedding-3-small", "hello"))
	assert.NotEqual(t, base, CacheKey("gemini", "text-embedding-3-small", "hello"))
	assert.NotEqual(t, base, CacheKey("openai", "text-embedding-3-large", "hello"))
	// the separator keeps field boundaries unambiguous
	assert.NotEqual(t, CacheKey("ab", "c", "x"), CacheKey("a", "bc", "x"))
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, 0)

	require.NoError(t, c.Set(ctx, "a", []float32{1}))
	require.NoError(t, c.Set(ctx, "b", []float32{2}))
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", []float32{3}))

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10, time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []float32{1, 2}))
	vec, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, vec)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
