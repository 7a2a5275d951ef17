package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func snapshotWith(t *testing.T, kv map[string]settings.Value) *settings.Snapshot {
	t.Helper()
	p := testutil.NewMemPersister()
	for k, v := range kv {
		p.Seed(k, v)
	}
	s := settings.NewStore(p)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return s.Current()
}

func TestHitAvoidsSecondFetch(t *testing.T) {
	clock := newFakeClock()
	c := New(nil, WithClock(clock.now))
	ctx := context.Background()

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return "title one", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(ctx, "channels", "chan1", fetch)
		if err != nil {
			t.Fatalf("GetOrFetch: %v", err)
		}
		if v != "title one" {
			t.Fatalf("value = %v", v)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestExpiryTriggersRefetch(t *testing.T) {
	clock := newFakeClock()
	snap := snapshotWith(t, map[string]settings.Value{
		"cache/channels/ttl": settings.DurationValue(30 * time.Second),
	})
	c := New(snap, WithClock(clock.now))
	ctx := context.Background()

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return fetches.Load(), nil
	}

	if _, err := c.GetOrFetch(ctx, "channels", "chan1", fetch); err != nil {
		t.Fatal(err)
	}
	clock.advance(31 * time.Second)
	v, err := c.GetOrFetch(ctx, "channels", "chan1", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(2) {
		t.Errorf("value after expiry = %v, want refetched 2", v)
	}
}

func TestConcurrentCallersCoalesce(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	var fetches atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrFetch(ctx, "streams", "chan1", fetch)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}
	// Let the callers pile onto the single flight, then release it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("underlying fetches = %d, want exactly 1", n)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("caller %d got %v, want shared result", i, v)
		}
	}
}

func TestStaleServeOnFetchFailure(t *testing.T) {
	clock := newFakeClock()
	snap := snapshotWith(t, map[string]settings.Value{
		"cache/streams/ttl": settings.DurationValue(10 * time.Second),
		"cache/serve-stale": settings.BoolValue(true),
	})
	c := New(snap, WithClock(clock.now))
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return "live value", nil
		}
		return nil, errors.New("helix unavailable")
	}

	if _, err := c.GetOrFetch(ctx, "streams", "chan1", fetch); err != nil {
		t.Fatal(err)
	}
	clock.advance(11 * time.Second)
	v, err := c.GetOrFetch(ctx, "streams", "chan1", fetch)
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if v != "live value" {
		t.Errorf("stale value = %v", v)
	}
}

func TestFetchFailureSurfacesWhenStaleDisabled(t *testing.T) {
	clock := newFakeClock()
	snap := snapshotWith(t, map[string]settings.Value{
		"cache/streams/ttl": settings.DurationValue(10 * time.Second),
		"cache/serve-stale": settings.BoolValue(false),
	})
	c := New(snap, WithClock(clock.now))
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return "first", nil
		}
		return nil, errors.New("helix unavailable")
	}

	if _, err := c.GetOrFetch(ctx, "streams", "chan1", fetch); err != nil {
		t.Fatal(err)
	}
	clock.advance(11 * time.Second)
	if _, err := c.GetOrFetch(ctx, "streams", "chan1", fetch); err == nil {
		t.Error("expected fetch error with stale-serve disabled")
	}
}

func TestInvalidateDropsClassOnly(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	fetchA := func(ctx context.Context) (any, error) { return "a", nil }
	if _, err := c.GetOrFetch(ctx, "streams", "k", fetchA); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrFetch(ctx, "channels", "k", fetchA); err != nil {
		t.Fatal(err)
	}

	c.Invalidate("streams")
	if n := c.Len(); n != 1 {
		t.Errorf("entries after invalidate = %d, want 1", n)
	}
}

func TestEvictStaleDropsBeyondGrace(t *testing.T) {
	clock := newFakeClock()
	snap := snapshotWith(t, map[string]settings.Value{
		"cache/streams/ttl": settings.DurationValue(10 * time.Second),
	})
	c := New(snap, WithClock(clock.now))
	ctx := context.Background()

	fetch := func(ctx context.Context) (any, error) { return "v", nil }
	if _, err := c.GetOrFetch(ctx, "streams", "k", fetch); err != nil {
		t.Fatal(err)
	}

	clock.advance(15 * time.Second) // expired but within grace
	c.evictStale()
	if c.Len() != 1 {
		t.Fatal("entry evicted inside the stale-serve window")
	}

	clock.advance(10 * time.Second) // past expiresAt + ttl
	c.evictStale()
	if c.Len() != 0 {
		t.Error("entry survived past the grace window")
	}
}
