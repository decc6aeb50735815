// Package credentials brokers worker bearer tokens: an in-process
// cache over the store, OAuth token refresh against upstream
// providers, and the authorization flow that mints grants in the
// first place. Raw token values never appear in logs or errors.
package credentials

import (
	"sync"
	"time"
)

// CachedCredential is the ephemeral, in-memory view of an instance's
// token. The store row stays authoritative; entries here exist only to
// spare a database read per brokered request and die with the process.
type CachedCredential struct {
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	UserID          string
	Status          string
	CachedAt        time.Time
	LastUsedAt      time.Time
	RefreshAttempts int
}

// Cache is a keyed credential store with expiry-on-access. There is no
// size-based eviction; entries live until they expire or someone
// invalidates them.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*CachedCredential
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the time source. Tests use this.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*CachedCredential),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the live entry for an instance and stamps its
// last use. Entries at or past expiry are purged on the way through,
// so a hit is always a usable token.
func (c *Cache) Get(instanceID string) (CachedCredential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[instanceID]
	if !ok {
		return CachedCredential{}, false
	}
	now := c.now()
	if !entry.ExpiresAt.After(now) {
		delete(c.entries, instanceID)
		return CachedCredential{}, false
	}
	entry.LastUsedAt = now
	return *entry, true
}

// Peek returns a copy of the entry without touching last_used_at or
// purging. Monitoring and tests read through here.
func (c *Cache) Peek(instanceID string) (CachedCredential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[instanceID]
	if !ok {
		return CachedCredential{}, false
	}
	return *entry, true
}

// Put stores an entry. CachedAt is stamped here; LastUsedAt starts at
// the same instant.
func (c *Cache) Put(instanceID string, entry CachedCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry.CachedAt = now
	entry.LastUsedAt = now
	c.entries[instanceID] = &entry
}

// Invalidate drops the entry for an instance. Dropping an absent entry
// is a no-op.
func (c *Cache) Invalidate(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instanceID)
}

// NoteRefreshFailure bumps the failure counter on an existing entry
// without touching its token fields. Absent entries are left absent; a
// failed refresh must never materialize cache state.
func (c *Cache) NoteRefreshFailure(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[instanceID]; ok {
		entry.RefreshAttempts++
	}
}

// Len reports the number of live entries, counting ones past expiry
// that no Get has purged yet.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
