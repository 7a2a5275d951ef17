// Package cache memoizes external-call results keyed by request
// fingerprint. Concurrent callers for the same fingerprint share a single
// in-flight fetch (request coalescing via singleflight), bounding outbound
// call volume to at most one fetch per fingerprint at a time. Entries
// expire on a per-class TTL read from the settings snapshot; a
// configurable policy serves a recently-expired value when a refresh
// fetch fails.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/telemetry"
)

// Fetcher produces the value for a fingerprint on a cache miss.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	value      any
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is safe for concurrent use. Entry storage is guarded by a single
// short-hold mutex; fetches never run under it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group

	snap atomic.Pointer[settings.Snapshot]
	now  func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache parameterized from snap (may be nil until Run
// delivers one).
func New(snap *settings.Snapshot, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	if snap != nil {
		c.snap.Store(snap)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes settings updates and evicts long-stale entries until ctx
// is cancelled.
func (c *Cache) Run(ctx context.Context, sub *settings.Subscription) {
	defer sub.Close()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case snap := <-sub.Updates():
			c.snap.Store(snap)
		case <-ticker.C:
			c.evictStale()
		case <-ctx.Done():
			return
		}
	}
}

func key(class, fingerprint string) string { return class + "\x00" + fingerprint }

// TTL returns the configured time-to-live for a fingerprint class.
func (c *Cache) TTL(class string) time.Duration {
	if snap := c.snap.Load(); snap != nil {
		return snap.GetDuration("cache/"+class+"/ttl", time.Minute)
	}
	return time.Minute
}

func (c *Cache) serveStale() bool {
	if snap := c.snap.Load(); snap != nil {
		return snap.GetBool("cache/serve-stale", true)
	}
	return true
}

// GetOrFetch returns the live value for (class, fingerprint) or runs
// fetch to produce one. At most one fetch per fingerprint is in flight
// at any time; extra concurrent callers wait on the shared result.
func (c *Cache) GetOrFetch(ctx context.Context, class, fingerprint string, fetch Fetcher) (any, error) {
	k := key(class, fingerprint)
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[k]
	c.mu.Unlock()
	if ok && now.Before(e.expiresAt) {
		telemetry.Hit(telemetry.CacheHits)
		return e.value, nil
	}
	telemetry.Hit(telemetry.CacheMisses)

	v, err, shared := c.group.Do(k, func() (any, error) {
		// Another caller may have completed the fetch between the miss
		// and this flight starting.
		c.mu.Lock()
		e, ok := c.entries[k]
		c.mu.Unlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.value, nil
		}

		val, err := fetch(ctx)
		if err != nil {
			if ok && c.serveStale() {
				slog.Warn("cache fetch failed, serving stale value",
					slog.String("class", class), slog.Any("err", err))
				telemetry.Hit(telemetry.CacheStaleServed)
				return e.value, nil
			}
			return nil, err
		}

		fetched := c.now()
		c.mu.Lock()
		c.entries[k] = entry{value: val, insertedAt: fetched, expiresAt: fetched.Add(c.TTL(class))}
		c.mu.Unlock()
		return val, nil
	})
	if shared {
		telemetry.Hit(telemetry.CacheCoalesced)
	}
	return v, err
}

// Invalidate drops every entry of a fingerprint class.
func (c *Cache) Invalidate(class string) {
	prefix := class + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// evictStale removes entries expired for longer than one extra TTL, the
// window in which they could still be served stale.
func (c *Cache) evictStale() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		grace := e.expiresAt.Sub(e.insertedAt)
		if now.After(e.expiresAt.Add(grace)) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of stored entries (exposed for /status).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
