package tokens

import (
	"context"
	"sync"
	"time"
)

// ExpiryBuffer is subtracted from a token's expiry when deciding validity.
const ExpiryBuffer = 60 * time.Second

// CachedToken is a bearer token with its absolute expiry.
type CachedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// ValidAt reports whether the token may still be used at now.
func (t CachedToken) ValidAt(now time.Time) bool {
	return t.Token != "" && now.Before(t.Expiry.Add(-ExpiryBuffer))
}

// Store persists the cached token outside the process.
type Store interface {
	Load(ctx context.Context) (CachedToken, bool, error)
	Save(ctx context.Context, tok CachedToken) error
	Clear(ctx context.Context) error
}

// Cache holds at most one token. Reads never touch the backing Store; it is
// written through on Set and Clear and read once by Restore.
type Cache struct {
	mu    sync.RWMutex
	tok   CachedToken
	store Store
	now   func() time.Time
}

// NewCache returns an empty cache. store may be nil.
func NewCache(store Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

// Get returns the cached token if it is still valid.
func (c *Cache) Get() (CachedToken, bool) {
	c.mu.RLock()
	tok := c.tok
	c.mu.RUnlock()
	if !tok.ValidAt(c.now()) {
		return CachedToken{}, false
	}
	return tok, true
}

// Set replaces the cached token. The in-memory value is updated even when
// writing through to the store fails.
func (c *Cache) Set(ctx context.Context, tok CachedToken) error {
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Save(ctx, tok)
}

// Clear empties the cache.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.tok = CachedToken{}
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx)
}

// Restore loads a persisted token into memory if it is still valid.
func (c *Cache) Restore(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	tok, ok, err := c.store.Load(ctx)
	if err != nil || !ok || !tok.ValidAt(c.now()) {
		return false, err
	}
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
	return true, nil
}
