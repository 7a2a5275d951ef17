// Package settings implements the versioned configuration store and its
// snapshot broadcast bus. All runtime-tunable state (commands, aliases,
// rate-limit parameters, cache TTLs, feature toggles) lives here; every
// write goes through the store so the admin surface and internal logic
// share one consistency mechanism. Readers work against immutable
// snapshots and never block writers; slow subscribers skip intermediate
// snapshots and always land on the newest one.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Persister is the storage collaborator behind the store. The store
// mirrors its contents at startup and writes through it on every change;
// it never embeds persistence logic itself.
type Persister interface {
	LoadAll(ctx context.Context) (map[string]Value, error)
	Save(ctx context.Context, key string, v Value) error
	Delete(ctx context.Context, key string) error
}

// Store is the single process-wide mutable configuration resource.
// Writers are serialized; readers load the current snapshot through an
// atomic pointer and are wait-free.
type Store struct {
	persister Persister

	mu      sync.Mutex // serializes writers and subscriber bookkeeping
	version int64
	subs    map[*Subscription]struct{}

	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty store backed by p.
func NewStore(p Persister) *Store {
	s := &Store{
		persister: p,
		subs:      make(map[*Subscription]struct{}),
	}
	s.current.Store(&Snapshot{values: map[string]Value{}})
	return s
}

// LoadAll mirrors the persister's contents into the store. Call once at
// startup; an error here is fatal to the process.
func (s *Store) LoadAll(ctx context.Context) error {
	vals, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	snap := &Snapshot{version: s.version, values: vals}
	s.current.Store(snap)
	s.notifyAll(snap)
	slog.Info("settings loaded", slog.Int("keys", len(vals)), slog.Int64("version", s.version))
	return nil
}

// Current returns the newest full snapshot. Consumers treat it as
// logically frozen for the duration of one dispatch.
func (s *Store) Current() *Snapshot { return s.current.Load() }

// Version returns the store's global version counter.
func (s *Store) Version() int64 { return s.Current().Version() }

// Get returns the current value for key, if set.
func (s *Store) Get(key string) (Value, bool) { return s.Current().Get(key) }

// Set persists and publishes a new value for key, returning the new
// store version. The persister write happens first: on failure the
// previous value is retained and no snapshot is published.
func (s *Store) Set(ctx context.Context, key string, v Value) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("setting key is empty")
	}
	if v.IsZero() {
		return 0, fmt.Errorf("setting %q: value is unset", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persister.Save(ctx, key, v); err != nil {
		return 0, fmt.Errorf("persist setting %q: %w", key, err)
	}
	snap := s.publishLocked(key, v, false)
	return snap.version, nil
}

// Delete removes key, returning the new store version. Deleting an
// absent key is a no-op and returns the current version.
func (s *Store) Delete(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.current.Load().Get(key); !ok {
		return s.version, nil
	}
	if err := s.persister.Delete(ctx, key); err != nil {
		return 0, fmt.Errorf("delete setting %q: %w", key, err)
	}
	s.publishLocked(key, Value{}, true)
	return s.version, nil
}

// publishLocked builds and installs the next snapshot. Caller holds mu.
func (s *Store) publishLocked(key string, v Value, del bool) *Snapshot {
	old := s.current.Load()
	next := make(map[string]Value, len(old.values)+1)
	for k, val := range old.values {
		next[k] = val
	}
	if del {
		delete(next, key)
	} else {
		next[key] = v
	}
	s.version++
	snap := &Snapshot{version: s.version, values: next}
	s.current.Store(snap)
	for sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			sub.deliver(snap.filter(sub.prefix))
		}
	}
	return snap
}

func (s *Store) notifyAll(snap *Snapshot) {
	for sub := range s.subs {
		sub.deliver(snap.filter(sub.prefix))
	}
}

// Subscribe registers a subscriber for all keys under prefix. The
// current snapshot is delivered immediately so consumers can initialize
// without racing the first change.
func (s *Store) Subscribe(prefix string) *Subscription {
	sub := &Subscription{
		store:  s,
		prefix: prefix,
		ch:     make(chan *Snapshot, 1),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	sub.deliver(s.current.Load().filter(prefix))
	s.mu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription delivers snapshots with latest-wins semantics: the
// channel is buffered one deep and a pending undelivered snapshot is
// replaced by a newer one, so a subscriber that falls behind jumps
// straight to the newest state.
type Subscription struct {
	store  *Store
	prefix string
	ch     chan *Snapshot

	closeOnce sync.Once
}

// Updates returns the snapshot delivery channel.
func (sub *Subscription) Updates() <-chan *Snapshot { return sub.ch }

// Close unregisters the subscription. The channel is not closed, so a
// racing deliver can never panic; consumers stop on their own context.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() { sub.store.unsubscribe(sub) })
}

// deliver is always called with the store mutex held, so at most one
// deliver runs at a time and the post-drain send cannot block: only the
// consumer receives from ch, and receiving frees space rather than
// filling it.
func (sub *Subscription) deliver(snap *Snapshot) {
	select {
	case sub.ch <- snap:
	default:
		select {
		case <-sub.ch: // discard the stale pending snapshot
		default:
		}
		sub.ch <- snap
	}
}
