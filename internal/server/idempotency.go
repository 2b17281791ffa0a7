package server

import (
	"sync"
	"time"
)

// idempotencyTTL is how long a successful mutating response stays
// replayable.
const idempotencyTTL = 10 * time.Minute

type idemKey struct {
	sessionID  string
	capability string
	method     string
	key        string
}

type idemEntry struct {
	result  []byte
	expires time.Time
}

// IdempotencyCache replays successful mutating responses byte-for-byte.
// Failures are never cached: a retried failure re-executes.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[idemKey]idemEntry
	now     func() time.Time
}

// NewIdempotencyCache creates an empty cache.
func NewIdempotencyCache() *IdempotencyCache {
	return &IdempotencyCache{
		entries: make(map[idemKey]idemEntry),
		now:     time.Now,
	}
}

// Get returns the cached result bytes for a replayed request, if any.
func (c *IdempotencyCache) Get(sessionID, capability, method, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := idemKey{sessionID, capability, method, key}
	entry, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, k)
		return nil, false
	}
	return entry.result, true
}

// Put stores a successful result for replay.
func (c *IdempotencyCache) Put(sessionID, capability, method, key string, result []byte) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	c.entries[idemKey{sessionID, capability, method, key}] = idemEntry{
		result:  result,
		expires: c.now().Add(idempotencyTTL),
	}
}

// sweepLocked drops expired entries. Called on writes so the cache stays
// bounded without a background goroutine.
func (c *IdempotencyCache) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
