package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testgen/config"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c := NewMemoryCache(10 * time.Second)
	c.now = func() time.Time { return now }

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "empty cache is a miss")

	status := &Status{Online: true, Model: "llama3.2", ModelInstalled: true, CheckedAt: now}
	require.NoError(t, c.Set(ctx, "k", status))

	status.Online = false
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Online, "cache keeps its own copy")

	got.Model = "mutated"
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, "llama3.2", again.Model)

	now = now.Add(10 * time.Second)
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "entry expires at ttl")
}

func TestMemoryCache_SetEvictsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCache(time.Second)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "a", &Status{}))
	now = now.Add(2 * time.Second)
	require.NoError(t, c.Set(ctx, "b", &Status{}))

	assert.Len(t, c.items, 1)
	assert.Contains(t, c.items, "b")
}

func TestMemoryCache_ZeroTTLDisables(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)

	require.NoError(t, c.Set(ctx, "k", &Status{Online: true}))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, c.Close())
}

func TestStatusKey(t *testing.T) {
	a := StatusKey("http://127.0.0.1:11434/api/generate", "llama3.2")
	assert.Equal(t, a, StatusKey("http://127.0.0.1:11434/api/generate", "llama3.2"))
	assert.NotEqual(t, a, StatusKey("http://127.0.0.1:11434/api/generate", "qwen2.5"))
	assert.NotEqual(t, StatusKey("ab", "c"), StatusKey("a", "bc"))
}

func TestNew(t *testing.T) {
	c, err := New(config.CacheConfig{Type: "memory", StatusTTLSeconds: 5})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	_, err = New(config.CacheConfig{Type: "memcached"})
	assert.Error(t, err)

	_, err = New(config.CacheConfig{Type: "redis", RedisURL: "not a url"})
	assert.Error(t, err)
}
