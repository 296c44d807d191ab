package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	c := New(5*time.Minute, time.Minute)
	t.Cleanup(c.Close)
	return c
}

func TestCache_GetPut(t *testing.T) {
	c := newTestCache(t)

	t.Run("miss on empty cache", func(t *testing.T) {
		_, ok := c.Get("tenant-a", "acct-1")
		assert.False(t, ok)
	})

	t.Run("hit after put", func(t *testing.T) {
		expiry := time.Now().Add(time.Hour)
		c.Put("tenant-a", "acct-1", "token-1", expiry)

		entry, ok := c.Get("tenant-a", "acct-1")
		require.True(t, ok)
		assert.Equal(t, "token-1", entry.Token)
		assert.Equal(t, expiry, entry.Expiry)
		assert.False(t, entry.NeedsRefresh)
	})

	t.Run("already-expired token is not stored", func(t *testing.T) {
		c.Put("tenant-a", "acct-dead", "token", time.Now().Add(-time.Second))

		_, ok := c.Get("tenant-a", "acct-dead")
		assert.False(t, ok)
	})
}

func TestCache_TenantIsolation(t *testing.T) {
	c := newTestCache(t)

	// Same account id under two tenants must stay two entries
	c.Put("tenant-a", "acct-1", "token-a", time.Now().Add(time.Hour))
	c.Put("tenant-b", "acct-1", "token-b", time.Now().Add(time.Hour))

	entryA, ok := c.Get("tenant-a", "acct-1")
	require.True(t, ok)
	assert.Equal(t, "token-a", entryA.Token)

	entryB, ok := c.Get("tenant-b", "acct-1")
	require.True(t, ok)
	assert.Equal(t, "token-b", entryB.Token)

	// A lookup under a third tenant never sees either
	_, ok = c.Get("tenant-c", "acct-1")
	assert.False(t, ok)

	// Invalidating one tenant leaves the other untouched
	c.InvalidateTenant("tenant-a")
	_, ok = c.Get("tenant-a", "acct-1")
	assert.False(t, ok)
	_, ok = c.Get("tenant-b", "acct-1")
	assert.True(t, ok)
}

func TestCache_NeedsRefresh(t *testing.T) {
	c := newTestCache(t)

	t.Run("flagged inside the safety margin", func(t *testing.T) {
		c.Put("tenant-a", "near-expiry", "token", time.Now().Add(4*time.Minute))

		entry, ok := c.Get("tenant-a", "near-expiry")
		require.True(t, ok)
		assert.True(t, entry.NeedsRefresh)
	})

	t.Run("not flagged outside the safety margin", func(t *testing.T) {
		c.Put("tenant-a", "fresh", "token", time.Now().Add(time.Hour))

		entry, ok := c.Get("tenant-a", "fresh")
		require.True(t, ok)
		assert.False(t, entry.NeedsRefresh)
	})
}

func TestCache_ExpiryPurgedOnRead(t *testing.T) {
	c := newTestCache(t)

	c.Put("tenant-a", "acct-1", "token", time.Now().Add(30*time.Millisecond))

	_, ok := c.Get("tenant-a", "acct-1")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("tenant-a", "acct-1")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t)

	c.Put("tenant-a", "acct-1", "token", time.Now().Add(time.Hour))
	c.Invalidate("tenant-a", "acct-1")

	_, ok := c.Get("tenant-a", "acct-1")
	assert.False(t, ok)
}

func TestCache_Janitor(t *testing.T) {
	c := New(5*time.Minute, 20*time.Millisecond)
	defer c.Close()

	c.Put("tenant-a", "short", "token", time.Now().Add(30*time.Millisecond))
	c.Put("tenant-a", "long", "token", time.Now().Add(time.Hour))

	// The janitor evicts the expired entry without any read touching it
	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t)

	c.Put("tenant-a", "acct-1", "token", time.Now().Add(time.Hour))

	c.Get("tenant-a", "acct-1")
	c.Get("tenant-a", "acct-1")
	c.Get("tenant-a", "missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
