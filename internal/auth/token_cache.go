package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"stealthcompany.com/chartprep/internal/metrics"
)

// RefreshMargin is how long before expiry a token stops being handed out.
const RefreshMargin = 60 * time.Second

// Token is an access token and its absolute expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ValidAt reports whether the token may still be used at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-RefreshMargin))
}

// RefreshFunc performs one token exchange.
type RefreshFunc func(ctx context.Context) (Token, error)

// TokenCache holds one token per vendor for the life of the process.
// Concurrent refreshes for the same vendor share a single exchange.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]Token
	group  singleflight.Group
	now    func() time.Time
}

// CacheOption configures a TokenCache
type CacheOption func(*TokenCache)

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) CacheOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

// NewTokenCache creates an empty cache
func NewTokenCache(opts ...CacheOption) *TokenCache {
	c := &TokenCache{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the cache's notion of the current time
func (c *TokenCache) Now() time.Time {
	return c.now()
}

// Lookup returns the vendor's token if it is still valid
func (c *TokenCache) Lookup(vendor string) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tokens[vendor]
	if !ok || !t.ValidAt(c.now()) {
		return Token{}, false
	}
	return t, true
}

// Store replaces the vendor's token
func (c *TokenCache) Store(vendor string, t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[vendor] = t
}

// Invalidate drops the vendor's token so the next lookup refreshes
func (c *TokenCache) Invalidate(vendor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, vendor)
}

// GetOrRefresh returns a valid token for vendor, calling refresh at most
// once across concurrent callers when the cached token is missing or
// within RefreshMargin of expiry.
func (c *TokenCache) GetOrRefresh(ctx context.Context, vendor string, refresh RefreshFunc) (string, error) {
	if t, ok := c.Lookup(vendor); ok {
		metrics.RecordTokenCacheHit(vendor)
		return t.AccessToken, nil
	}

	// The exchange outlives any single caller's cancellation since other
	// callers may be waiting on it.
	refreshCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(vendor, func() (interface{}, error) {
		if t, ok := c.Lookup(vendor); ok {
			return t, nil
		}

		t, err := refresh(refreshCtx)
		if err != nil {
			return Token{}, err
		}

		c.Store(vendor, t)
		log.Debug().
			Str("vendor", vendor).
			Time("expires_at", t.ExpiresAt).
			Msg("Refreshed access token")
		return t, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			log.Debug().Str("vendor", vendor).Msg("Joined in-flight token refresh")
		}
		return res.Val.(Token).AccessToken, nil
	}
}
