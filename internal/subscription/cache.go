package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL is how long a cached subscription stays valid.
const DefaultTTL = 5 * time.Minute

// Cache stores resolved subscriptions.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached subscription for key, or nil, nil when absent.
	Get(ctx context.Context, key string) (*Subscription, error)

	// Set stores s under key.
	Set(ctx context.Context, key string, s *Subscription) error

	// Close releases any resources held by the cache.
	Close() error
}

// CachedFetcher serves lookups from a Cache and falls back to the wrapped
// Fetcher on a miss. Cache failures are logged and bypassed.
type CachedFetcher struct {
	next  Fetcher
	cache Cache
}

// NewCachedFetcher wraps next with cache.
func NewCachedFetcher(next Fetcher, cache Cache) *CachedFetcher {
	return &CachedFetcher{next: next, cache: cache}
}

// Fetch implements Fetcher.
func (f *CachedFetcher) Fetch(ctx context.Context, apiID, planID, credentialType, credential string) (*Subscription, error) {
	key := cacheKey(apiID, planID, credentialType, credential)

	cached, err := f.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("subscription cache read failed", "error", err)
	} else if cached != nil {
		return cached, nil
	}

	s, err := f.next.Fetch(ctx, apiID, planID, credentialType, credential)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(ctx, key, s); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("subscription cache write failed", "error", err)
	}
	return s, nil
}

// Close closes the cache.
func (f *CachedFetcher) Close() error {
	return f.cache.Close()
}

// cacheKey hashes the lookup so credentials never appear in cache keys.
func cacheKey(apiID, planID, credentialType, credential string) string {
	d := xxhash.New()
	for _, part := range []string{apiID, planID, credentialType, credential} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
