// Package cache provides the process-local memo of decrypted, currently
// valid access tokens. Entries are keyed by (tenant, account) so a lookup
// can never cross tenants even if two tenants share an account id. Entries
// are never persisted and never shared between processes.
package cache

import (
	"sync"
	"time"
)

// Key identifies a cached token. The tenant id is part of the key even
// though the account id alone would be unique, so cross-tenant leakage is
// structurally impossible.
type Key struct {
	TenantID  string
	AccountID string
}

// Entry is a cached plaintext token with its expiry.
type Entry struct {
	Token        string
	Expiry       time.Time
	NeedsRefresh bool // fewer than the safety margin remains before expiry
}

// Stats reports cache counters for the ops surface.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// Cache is a tenant-isolated in-memory token cache with TTL tied to actual
// token expiry. A background janitor evicts expired entries to bound memory;
// reads also purge on contact, so the janitor interval is not a correctness
// concern. Safe for concurrent use.
type Cache struct {
	mu           sync.RWMutex
	entries      map[Key]cachedToken
	safetyMargin time.Duration

	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache whose NeedsRefresh flag trips when fewer than
// safetyMargin remains before a token's expiry. The janitor runs every
// sweepInterval until Close is called.
func New(safetyMargin, sweepInterval time.Duration) *Cache {
	c := &Cache{
		entries:      make(map[Key]cachedToken),
		safetyMargin: safetyMargin,
		stop:         make(chan struct{}),
	}

	go c.janitor(sweepInterval)

	return c
}

// Get returns the cached token for (tenant, account). An entry whose expiry
// has passed is purged and reported as a miss.
func (c *Cache) Get(tenantID, accountID string) (Entry, bool) {
	key := Key{TenantID: tenantID, AccountID: accountID}
	now := time.Now()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return Entry{}, false
	}

	if !now.Before(cached.expiry) {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have raced the purge
		if current, still := c.entries[key]; still && !now.Before(current.expiry) {
			delete(c.entries, key)
			c.evictions++
		}
		c.misses++
		c.mu.Unlock()
		return Entry{}, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()

	return Entry{
		Token:        cached.token,
		Expiry:       cached.expiry,
		NeedsRefresh: now.After(cached.expiry.Add(-c.safetyMargin)),
	}, true
}

// Put stores a token for (tenant, account). Tokens already expired are not
// stored.
func (c *Cache) Put(tenantID, accountID, token string, expiry time.Time) {
	if !time.Now().Before(expiry) {
		return
	}

	key := Key{TenantID: tenantID, AccountID: accountID}

	c.mu.Lock()
	c.entries[key] = cachedToken{token: token, expiry: expiry}
	c.mu.Unlock()
}

// Invalidate removes the entry for (tenant, account) if present.
func (c *Cache) Invalidate(tenantID, accountID string) {
	key := Key{TenantID: tenantID, AccountID: accountID}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateTenant removes every entry belonging to the tenant.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.TenantID == tenantID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the background janitor. The cache remains usable afterwards;
// expired entries are still purged on read.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache) janitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for key, cached := range c.entries {
		if !now.Before(cached.expiry) {
			delete(c.entries, key)
			c.evictions++
		}
	}
	c.mu.Unlock()
}
