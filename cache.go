package mountkit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTL tiers for backend metadata. Signed URLs expire server-side, so they
// are kept for a shorter time than the metadata they point at.
const (
	TTLPathID    = 30 * time.Minute
	TTLItem      = 30 * time.Minute
	TTLListing   = 30 * time.Minute
	TTLSignedURL = 20 * time.Minute
)

// ============================================================================
// Cache Interface
// ============================================================================

// Cache defines the interface for cache backends.
// Entries expire by absolute time only; nothing invalidates them on backend
// writes.
//
// Implementations should be thread-safe.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns the value and true if found, nil and false otherwise.
	Get(key string) (interface{}, bool)

	// Set stores a value in the cache with the given TTL.
	// A TTL of 0 means no expiration.
	Set(key string, value interface{}, ttl time.Duration)

	// Delete removes a value from the cache.
	Delete(key string)

	// Clear removes all values from the cache.
	Clear()
}

// CacheStats provides statistics about cache usage.
// Implementations may optionally support this interface.
type CacheStats interface {
	Stats() CacheStatistics
}

// CacheStatistics contains cache performance metrics.
type CacheStatistics struct {
	Hits    int64
	Misses  int64
	Size    int64
	HitRate float64
}

// ============================================================================
// In-Memory Cache Implementation
// ============================================================================

type cacheEntry struct {
	value      interface{}
	expiration time.Time
	hasExpiry  bool
}

// MemoryCache is an in-memory cache with per-entry absolute expiration.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		return nil, false
	}

	if entry.hasExpiry && !c.now().Before(entry.expiration) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.value, true
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{value: value}
	if ttl > 0 {
		entry.expiration = c.now().Add(ttl)
		entry.hasExpiry = true
	}
	c.entries[key] = entry
}

// Delete removes a value from the cache.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all values from the cache.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStatistics{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    int64(len(c.entries)),
		HitRate: hitRate,
	}
}

// Cleanup removes expired entries from the cache.
// Call this periodically to prevent memory leaks from expired entries.
func (c *MemoryCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if entry.hasExpiry && !now.Before(entry.expiration) {
			delete(c.entries, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (c *MemoryCache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

var (
	_ Cache      = (*MemoryCache)(nil)
	_ CacheStats = (*MemoryCache)(nil)
)

var (
	sharedCacheOnce sync.Once
	sharedCache     *MemoryCache
)

// SharedCache returns the process-wide metadata cache used by providers
// that are not given one explicitly.
func SharedCache() *MemoryCache {
	sharedCacheOnce.Do(func() {
		sharedCache = NewMemoryCache()
	})
	return sharedCache
}

// ============================================================================
// TTL Lookup Cache
// ============================================================================

// CredentialRefresher is implemented by backend clients whose credentials
// can expire. TTLCache refreshes them before fetching on a miss.
type CredentialRefresher interface {
	CredentialsExpired() bool
	RefreshCredentials(ctx context.Context) error
}

// TTLCache is a typed get-or-fetch view over a Cache. Keys are namespaced by
// a prefix so several backends can share one Cache.
type TTLCache[V any] struct {
	cache     Cache
	prefix    string
	group     singleflight.Group
	refresher CredentialRefresher

	onHit  func(key string)
	onMiss func(key string)
}

// TTLCacheOption configures a TTLCache.
type TTLCacheOption func(*ttlCacheOptions)

type ttlCacheOptions struct {
	refresher CredentialRefresher
	onHit     func(key string)
	onMiss    func(key string)
}

// WithCredentialRefresher makes misses refresh expired credentials first.
func WithCredentialRefresher(r CredentialRefresher) TTLCacheOption {
	return func(o *ttlCacheOptions) {
		o.refresher = r
	}
}

// WithCacheHitCallback sets the callback for cache hits.
func WithCacheHitCallback(callback func(key string)) TTLCacheOption {
	return func(o *ttlCacheOptions) {
		o.onHit = callback
	}
}

// WithCacheMissCallback sets the callback for cache misses.
func WithCacheMissCallback(callback func(key string)) TTLCacheOption {
	return func(o *ttlCacheOptions) {
		o.onMiss = callback
	}
}

// NewTTLCache creates a typed view over cache. A nil cache uses SharedCache.
func NewTTLCache[V any](cache Cache, prefix string, opts ...TTLCacheOption) *TTLCache[V] {
	if cache == nil {
		cache = SharedCache()
	}
	var o ttlCacheOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[V]{
		cache:     cache,
		prefix:    prefix,
		refresher: o.refresher,
		onHit:     o.onHit,
		onMiss:    o.onMiss,
	}
}

// GetOrFetch returns the cached value for key or calls fetch on a miss.
// Only a successful fetch is stored, with an absolute expiry of now+ttl.
// Concurrent misses on the same key share one fetch. The fetch runs without
// the caller's cancellation, so a caller that gives up does not fail the
// others waiting on the same key.
func (c *TTLCache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, error) {
	full := c.prefix + key
	if v, ok := c.lookup(full); ok {
		if c.onHit != nil {
			c.onHit(full)
		}
		return v, nil
	}
	if c.onMiss != nil {
		c.onMiss(full)
	}

	// The shared fetch outlives any one caller; each caller waits on its own ctx.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(full, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited.
		if v, ok := c.lookup(full); ok {
			return v, nil
		}
		if c.refresher != nil && c.refresher.CredentialsExpired() {
			if err := c.refresher.RefreshCredentials(fetchCtx); err != nil {
				return nil, err
			}
		}
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.cache.Set(full, v, ttl)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Peek returns the cached value without fetching.
func (c *TTLCache[V]) Peek(key string) (V, bool) {
	return c.lookup(c.prefix + key)
}

func (c *TTLCache[V]) lookup(full string) (V, bool) {
	var zero V
	raw, ok := c.cache.Get(full)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// ============================================================================
// CachingProvider Decorator
// ============================================================================

// CachingProvider wraps a Provider to cache resolved nodes and listings.
// Only metadata is cached, never content. Failures are not cached.
//
// Example:
//
//	p, _ := sftp.New(cfg)
//	cached := mountkit.NewCachingProvider(p, "sftp:files.example.com:",
//	    mountkit.WithItemTTL(10*time.Minute),
//	    mountkit.WithRefresher(p),
//	)
type CachingProvider struct {
	provider Provider
	items    *TTLCache[FileNode]
	listings *TTLCache[DirectoryListing]
	opts     CachingOptions
}

// CachingOptions configures a CachingProvider.
type CachingOptions struct {
	Cache      Cache
	ItemTTL    time.Duration
	ListingTTL time.Duration
	Refresher  CredentialRefresher
	OnHit      func(key string)
	OnMiss     func(key string)
}

// CachingOption is a functional option for configuring CachingProvider.
type CachingOption func(*CachingOptions)

// WithCache sets the cache backend. Default: SharedCache().
func WithCache(cache Cache) CachingOption {
	return func(o *CachingOptions) {
		o.Cache = cache
	}
}

// WithItemTTL sets the TTL for resolved nodes.
func WithItemTTL(ttl time.Duration) CachingOption {
	return func(o *CachingOptions) {
		o.ItemTTL = ttl
	}
}

// WithListingTTL sets the TTL for directory listings.
func WithListingTTL(ttl time.Duration) CachingOption {
	return func(o *CachingOptions) {
		o.ListingTTL = ttl
	}
}

// WithRefresher sets the credential refresher consulted on misses.
func WithRefresher(r CredentialRefresher) CachingOption {
	return func(o *CachingOptions) {
		o.Refresher = r
	}
}

// WithCacheCallbacks sets hit and miss callbacks, typically for metrics.
func WithCacheCallbacks(onHit, onMiss func(key string)) CachingOption {
	return func(o *CachingOptions) {
		o.OnHit = onHit
		o.OnMiss = onMiss
	}
}

// NewCachingProvider creates a caching wrapper around p. keyPrefix
// distinguishes this provider's entries in a shared cache.
func NewCachingProvider(p Provider, keyPrefix string, opts ...CachingOption) *CachingProvider {
	options := CachingOptions{
		ItemTTL:    TTLItem,
		ListingTTL: TTLListing,
	}
	for _, opt := range opts {
		opt(&options)
	}

	ttlOpts := []TTLCacheOption{
		WithCacheHitCallback(options.OnHit),
		WithCacheMissCallback(options.OnMiss),
	}
	if options.Refresher != nil {
		ttlOpts = append(ttlOpts, WithCredentialRefresher(options.Refresher))
	}

	return &CachingProvider{
		provider: p,
		items:    NewTTLCache[FileNode](options.Cache, keyPrefix+"item:", ttlOpts...),
		listings: NewTTLCache[DirectoryListing](options.Cache, keyPrefix+"list:", ttlOpts...),
		opts:     options,
	}
}

// Unwrap returns the underlying Provider.
func (c *CachingProvider) Unwrap() Provider {
	return c.provider
}

// ResolveFile returns the cached node for relPath or resolves it.
func (c *CachingProvider) ResolveFile(ctx context.Context, relPath string) (FileNode, error) {
	relPath = NormalizePath(relPath)
	return c.items.GetOrFetch(ctx, relPath, c.opts.ItemTTL, func(ctx context.Context) (FileNode, error) {
		return c.provider.ResolveFile(ctx, relPath)
	})
}

// ResolveDirectory returns the cached listing for relPath or resolves it.
func (c *CachingProvider) ResolveDirectory(ctx context.Context, relPath string) (DirectoryListing, error) {
	relPath = NormalizePath(relPath)
	listing, err := c.listings.GetOrFetch(ctx, relPath, c.opts.ListingTTL, func(ctx context.Context) (DirectoryListing, error) {
		return c.provider.ResolveDirectory(ctx, relPath)
	})
	if err != nil {
		return DirectoryListing{}, err
	}
	// Entries are shared with the cache; hand out a copy.
	entries := make([]FileNode, len(listing.Entries))
	copy(entries, listing.Entries)
	listing.Entries = entries
	return listing, nil
}

// Watch delegates to the underlying provider when it supports watching.
func (c *CachingProvider) Watch(ctx context.Context, relPath string) (ChangeToken, error) {
	if watcher, ok := c.provider.(CanWatch); ok {
		return watcher.Watch(ctx, relPath)
	}
	return nil, &PathError{Op: "watch", Path: relPath, Err: ErrNotSupported}
}

// Close closes the underlying provider if it holds resources.
func (c *CachingProvider) Close() error {
	if closer, ok := c.provider.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

var (
	_ Provider = (*CachingProvider)(nil)
	_ CanWatch = (*CachingProvider)(nil)
)
