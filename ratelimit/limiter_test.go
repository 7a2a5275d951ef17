package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/testutil"
)

// fakeClock is a manually advanced clock for deterministic refill math.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func storeWith(t *testing.T, kv map[string]settings.Value) *settings.Store {
	t.Helper()
	p := testutil.NewMemPersister()
	for k, v := range kv {
		p.Seed(k, v)
	}
	s := settings.NewStore(p)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return s
}

func TestBurstThenDenyThenRefill(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/user-command/capacity": settings.FloatValue(5),
		"rate/user-command/refill":   settings.FloatValue(1),
	})
	l := New(store.Current(), WithClock(clock.now))

	for i := 0; i < 5; i++ {
		if d := l.Admit("user1", ClassUserCommand, 1); !d.Admitted {
			t.Fatalf("admission %d denied, want admitted", i+1)
		}
	}
	d := l.Admit("user1", ClassUserCommand, 1)
	if d.Admitted {
		t.Fatal("sixth immediate admission admitted, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denial RetryAfter = %v, want positive", d.RetryAfter)
	}
	if d.RetryAfter < 900*time.Millisecond || d.RetryAfter > 1100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want ~1s", d.RetryAfter)
	}

	clock.advance(time.Second)
	if d := l.Admit("user1", ClassUserCommand, 1); !d.Admitted {
		t.Errorf("admission after waiting RetryAfter denied")
	}
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/user-command/capacity": settings.FloatValue(3),
		"rate/user-command/refill":   settings.FloatValue(100),
	})
	l := New(store.Current(), WithClock(clock.now))

	// Long idle must cap the refill at capacity: only 3 admissions.
	clock.advance(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Admit("user1", ClassUserCommand, 1).Admitted {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("admitted %d immediate requests, want capacity 3", admitted)
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/user-command/capacity": settings.FloatValue(1),
		"rate/user-command/refill":   settings.FloatValue(0.1),
	})
	l := New(store.Current(), WithClock(clock.now))

	if !l.Admit("alice", ClassUserCommand, 1).Admitted {
		t.Fatal("alice denied on first admission")
	}
	if l.Admit("alice", ClassUserCommand, 1).Admitted {
		t.Fatal("alice admitted past capacity")
	}
	if !l.Admit("bob", ClassUserCommand, 1).Admitted {
		t.Error("bob denied by alice's bucket")
	}
}

func TestReparameterizeOnSnapshotAdvance(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/user-command/capacity": settings.FloatValue(10),
		"rate/user-command/refill":   settings.FloatValue(1),
	})
	l := New(store.Current(), WithClock(clock.now))

	// Drain half of the bucket.
	for i := 0; i < 5; i++ {
		l.Admit("user1", ClassUserCommand, 1)
	}

	// Shrink capacity to 4; the 50% fill ratio must carry over (2 tokens).
	if _, err := store.Set(context.Background(), "rate/user-command/capacity", settings.FloatValue(4)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	l.snap.Store(store.Current())

	admitted := 0
	for i := 0; i < 4; i++ {
		if l.Admit("user1", ClassUserCommand, 1).Admitted {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("admitted %d after shrink, want 2 (preserved fill ratio)", admitted)
	}
}

func TestGlobalSendDefaults(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, WithClock(clock.now))

	// Default burst is 95.
	admitted := 0
	for i := 0; i < 100; i++ {
		if l.Admit(GlobalSubject, ClassGlobalSend, 1).Admitted {
			admitted++
		}
	}
	if admitted != 95 {
		t.Errorf("default global send burst = %d, want 95", admitted)
	}
}

func TestIdleEviction(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/idle-evict": settings.DurationValue(10 * time.Minute),
	})
	l := New(store.Current(), WithClock(clock.now))

	l.Admit("old", ClassUserCommand, 1)
	clock.advance(11 * time.Minute)
	l.Admit("fresh", ClassUserCommand, 1)
	l.evictIdle()

	if n := l.Len(); n != 1 {
		t.Errorf("buckets after eviction = %d, want 1", n)
	}
}

func TestZeroRefillDenialStillPositive(t *testing.T) {
	clock := newFakeClock()
	store := storeWith(t, map[string]settings.Value{
		"rate/user-command/capacity": settings.FloatValue(1),
		"rate/user-command/refill":   settings.FloatValue(0),
	})
	l := New(store.Current(), WithClock(clock.now))

	l.Admit("user1", ClassUserCommand, 1)
	d := l.Admit("user1", ClassUserCommand, 1)
	if d.Admitted {
		t.Fatal("admitted with empty bucket and zero refill")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}
