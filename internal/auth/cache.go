package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache remembers verified principals so the hot path skips Postgres and
// bcrypt. Entries are keyed by the SHA-256 digest of the API key and indexed
// by key ID, so revoking a key evicts it without knowing the raw secret.
//
// Expired entries are served stale: Get still returns the principal and asks
// exactly one caller to refresh it in the background.
type AuthCache struct {
	mu      sync.RWMutex
	entries map[keyDigest]*cacheEntry
	byKeyID map[string]keyDigest
	ttl     time.Duration
	now     func() time.Time
}

type keyDigest [sha256.Size]byte

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache whose entries stay fresh for ttl.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{
		entries: make(map[keyDigest]*cacheEntry),
		byKeyID: make(map[string]keyDigest),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal *Principal
	// Hit is true when a value was found, fresh or stale.
	Hit bool
	// NeedsRefresh is set for the one caller that should re-verify a stale entry.
	NeedsRefresh bool
}

// Get looks up apiKey.
func (c *AuthCache) Get(apiKey string) GetResult {
	c.mu.RLock()
	e, ok := c.entries[sha256.Sum256([]byte(apiKey))]
	c.mu.RUnlock()
	if !ok {
		return GetResult{}
	}
	if c.now().Before(e.expiresAt) {
		return GetResult{Principal: e.principal, Hit: true}
	}
	return GetResult{
		Principal:    e.principal,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores the principal verified for apiKey. A previous entry for the same
// key ID under another secret is dropped.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	d := sha256.Sum256([]byte(apiKey))

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.KeyID != "" {
		if old, ok := c.byKeyID[p.KeyID]; ok && old != d {
			delete(c.entries, old)
		}
		c.byKeyID[p.KeyID] = d
	}
	c.entries[d] = &cacheEntry{principal: p, expiresAt: c.now().Add(c.ttl)}
}

// Delete drops the entry for apiKey.
func (c *AuthCache) Delete(apiKey string) {
	d := sha256.Sum256([]byte(apiKey))

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[d]; ok {
		c.dropLocked(d, e)
	}
}

// Revoke drops the entry cached for keyID and reports whether there was one.
func (c *AuthCache) Revoke(keyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byKeyID[keyID]
	if !ok {
		return false
	}
	if e, ok := c.entries[d]; ok {
		c.dropLocked(d, e)
	} else {
		delete(c.byKeyID, keyID)
	}
	return true
}

// Len returns the number of cached keys, stale ones included.
func (c *AuthCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AuthCache) dropLocked(d keyDigest, e *cacheEntry) {
	delete(c.entries, d)
	if id := e.principal.KeyID; id != "" && c.byKeyID[id] == d {
		delete(c.byKeyID, id)
	}
}
