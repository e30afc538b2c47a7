package mountkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache()
	c.now = clock.Now
	return c, clock
}

func TestMemoryCacheExpiry(t *testing.T) {
	c, clock := newTestCache()

	c.Set("k", "v", time.Minute)
	c.Set("forever", "v", 0)

	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("Get(k) = %v, %v", v, ok)
	}

	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Error("entry expired early")
	}

	// Expiry is inclusive: at exactly now+ttl the entry is gone.
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should have expired")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Error("ttl 0 should never expire")
	}

	stats := c.Stats()
	if stats.Hits != 3 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryCacheCleanup(t *testing.T) {
	c, clock := newTestCache()
	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Hour)

	clock.Advance(time.Minute)
	c.Cleanup()

	if got := c.Stats().Size; got != 1 {
		t.Errorf("Size after cleanup = %d, want 1", got)
	}

	c.Delete("b")
	c.Set("c", 3, 0)
	c.Clear()
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size after clear = %d, want 0", got)
	}
}

func TestMemoryCacheStartCleanup(t *testing.T) {
	c, clock := newTestCache()
	c.Set("a", 1, time.Second)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartCleanup(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Size != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background cleanup never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSharedCacheIsSingleton(t *testing.T) {
	if SharedCache() != SharedCache() {
		t.Error("SharedCache should return one instance")
	}
}

func TestTTLCacheGetOrFetch(t *testing.T) {
	c, clock := newTestCache()
	var hits, misses int
	tc := NewTTLCache[string](c, "test:",
		WithCacheHitCallback(func(string) { hits++ }),
		WithCacheMissCallback(func(string) { misses++ }),
	)

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "value", nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := tc.GetOrFetch(ctx, "key", time.Minute, fetch)
		if err != nil || v != "value" {
			t.Fatalf("GetOrFetch = %q, %v", v, err)
		}
	}
	if calls != 1 || hits != 2 || misses != 1 {
		t.Errorf("calls=%d hits=%d misses=%d", calls, hits, misses)
	}

	if _, ok := c.Get("test:key"); !ok {
		t.Error("entry should be stored under the namespaced key")
	}

	clock.Advance(time.Minute)
	if _, ok := tc.Peek("key"); ok {
		t.Error("Peek should miss after expiry")
	}
	if _, err := tc.GetOrFetch(ctx, "key", time.Minute, fetch); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expired entry not refetched, calls=%d", calls)
	}
}

func TestTTLCacheDoesNotStoreFailures(t *testing.T) {
	c, _ := newTestCache()
	tc := NewTTLCache[int](c, "")
	boom := errors.New("boom")

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 42, nil
	}

	ctx := context.Background()
	if _, err := tc.GetOrFetch(ctx, "k", time.Minute, fetch); !errors.Is(err, boom) {
		t.Fatalf("first fetch error = %v", err)
	}
	v, err := tc.GetOrFetch(ctx, "k", time.Minute, fetch)
	if err != nil || v != 42 {
		t.Fatalf("second fetch = %d, %v", v, err)
	}
}

func TestTTLCacheSharesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache()
	tc := NewTTLCache[int](c, "")

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := tc.GetOrFetch(context.Background(), "k", time.Minute, fetch); err != nil || v != 7 {
				t.Errorf("GetOrFetch = %d, %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
}

func TestTTLCacheCancelledCallerDoesNotFailOthers(t *testing.T) {
	c, _ := newTestCache()
	tc := NewTTLCache[int](c, "")

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 9, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := tc.GetOrFetch(leaderCtx, "k", time.Minute, fetch)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	follower := make(chan result, 1)
	go func() {
		v, err := tc.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		follower <- result{v, err}
	}()

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	close(release)

	res := <-follower
	if res.err != nil || res.v != 9 {
		t.Fatalf("follower = %d, %v; want 9, nil", res.v, res.err)
	}
	if v, ok := tc.Peek("k"); !ok || v != 9 {
		t.Errorf("Peek = %d, %v; want stored value", v, ok)
	}
}

type fakeRefresher struct {
	expired   bool
	refreshed int
	err       error
}

func (f *fakeRefresher) CredentialsExpired() bool { return f.expired }

func (f *fakeRefresher) RefreshCredentials(context.Context) error {
	f.refreshed++
	if f.err != nil {
		return f.err
	}
	f.expired = false
	return nil
}

func TestTTLCacheRefreshesCredentials(t *testing.T) {
	c, _ := newTestCache()
	r := &fakeRefresher{expired: true}
	tc := NewTTLCache[int](c, "", WithCredentialRefresher(r))

	ctx := context.Background()
	if _, err := tc.GetOrFetch(ctx, "a", time.Minute, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	if r.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", r.refreshed)
	}

	authErr := &AuthError{Backend: "test", StatusCode: 401}
	r.expired = true
	r.err = authErr
	_, err := tc.GetOrFetch(ctx, "b", time.Minute, func(context.Context) (int, error) {
		t.Error("fetch must not run when the refresh fails")
		return 0, nil
	})
	if !IsAuth(err) {
		t.Errorf("refresh failure = %v, want AuthError", err)
	}
}

type countingProvider struct {
	*mapProvider
	files, dirs int
}

func (c *countingProvider) ResolveFile(ctx context.Context, p string) (FileNode, error) {
	c.files++
	return c.mapProvider.ResolveFile(ctx, p)
}

func (c *countingProvider) ResolveDirectory(ctx context.Context, p string) (DirectoryListing, error) {
	c.dirs++
	return c.mapProvider.ResolveDirectory(ctx, p)
}

func TestCachingProvider(t *testing.T) {
	c, clock := newTestCache()
	inner := &countingProvider{mapProvider: newMapProvider(map[string]string{"/a.txt": "a", "/d/b.txt": "b"})}
	p := NewCachingProvider(inner, "t:", WithCache(c), WithItemTTL(time.Minute), WithListingTTL(time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if n, err := p.ResolveFile(ctx, "a.txt"); err != nil || !n.Exists {
			t.Fatalf("ResolveFile = %+v, %v", n, err)
		}
		l, err := p.ResolveDirectory(ctx, "/d")
		if err != nil || len(l.Entries) != 1 {
			t.Fatalf("ResolveDirectory = %+v, %v", l, err)
		}
		l.Entries[0].Name = "mutated"
	}
	if inner.files != 1 || inner.dirs != 1 {
		t.Errorf("backend calls files=%d dirs=%d, want 1 each", inner.files, inner.dirs)
	}

	l, _ := p.ResolveDirectory(ctx, "/d")
	if l.Entries[0].Name != "b.txt" {
		t.Error("callers must not be able to mutate cached listings")
	}

	if _, err := p.ResolveFile(ctx, "/missing"); !IsNotFound(err) {
		t.Errorf("missing file error = %v", err)
	}
	if _, err := p.ResolveFile(ctx, "/missing"); !IsNotFound(err) {
		t.Errorf("missing file error = %v", err)
	}
	if inner.files != 3 {
		t.Errorf("NotFound results should not be cached, backend calls = %d", inner.files)
	}

	clock.Advance(time.Minute)
	if _, err := p.ResolveFile(ctx, "/a.txt"); err != nil {
		t.Fatal(err)
	}
	if inner.files != 4 {
		t.Errorf("expired node not refetched, backend calls = %d", inner.files)
	}

	if p.Unwrap() != inner {
		t.Error("Unwrap should return the wrapped provider")
	}
	if _, err := p.Watch(ctx, "/"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Watch = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
