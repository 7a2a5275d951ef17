// Package ratelimit implements leaky-bucket admission control. One bucket
// exists per (subject, class) pair; refill is computed lazily from elapsed
// wall-clock time on each admission check, so idle buckets cost nothing
// and no background timer exists. Bucket parameters come from the current
// settings snapshot and a bucket rebuilds itself when the snapshot version
// advances past the one it was parameterized with.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/streambot/settings"
)

// Bucket classes. A command execution must pass ClassUserCommand before
// its handler runs and every outbound line passes ClassGlobalSend before
// it is written to the connection.
const (
	ClassUserCommand = "user-command"
	ClassGlobalSend  = "global-send"

	// GlobalSubject is the shared subject for process-wide classes.
	GlobalSubject = "global"
)

// Params are the leaky-bucket parameters for one class.
type Params struct {
	Capacity float64 // max tokens
	Refill   float64 // tokens per second
}

// Defaults per class. The global send defaults mirror Twitch's verified
// flood limits: burst of 95 messages refilled at 10/s.
var defaultParams = map[string]Params{
	ClassUserCommand: {Capacity: 5, Refill: 1},
	ClassGlobalSend:  {Capacity: 95, Refill: 10},
}

// Decision is the outcome of one admission check. A denial always
// carries a positive RetryAfter.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

type bucketKey struct {
	subject string
	class   string
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64
	last     time.Time // last lazy refill
	touched  time.Time // last admission check, for idle eviction
	version  int64     // settings version the parameters came from
}

// Limiter owns all buckets. The bucket map has its own lock; admission
// arithmetic runs under the individual bucket's mutex only, so unrelated
// subjects never contend.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket

	snap atomic.Pointer[settings.Snapshot]
	now  func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter parameterized from snap (which may be nil until
// Run delivers one).
func New(snap *settings.Snapshot, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	if snap != nil {
		l.snap.Store(snap)
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run consumes settings updates and evicts idle buckets until ctx is
// cancelled. Intended to be started as a goroutine.
func (l *Limiter) Run(ctx context.Context, sub *settings.Subscription) {
	defer sub.Close()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case snap := <-sub.Updates():
			l.snap.Store(snap)
			slog.Debug("rate limiter settings updated", slog.Int64("version", snap.Version()))
		case <-ticker.C:
			l.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

// params resolves the class parameters from the current snapshot.
func (l *Limiter) params(class string) (Params, int64) {
	def, ok := defaultParams[class]
	if !ok {
		def = defaultParams[ClassUserCommand]
	}
	snap := l.snap.Load()
	if snap == nil {
		return def, 0
	}
	p := Params{
		Capacity: snap.GetFloat("rate/"+class+"/capacity", def.Capacity),
		Refill:   snap.GetFloat("rate/"+class+"/refill", def.Refill),
	}
	if p.Capacity <= 0 || p.Refill < 0 {
		slog.Warn("invalid rate parameters, using defaults", slog.String("class", class),
			slog.Float64("capacity", p.Capacity), slog.Float64("refill", p.Refill))
		p = def
	}
	return p, snap.Version()
}

// Admit runs one admission check, charging cost tokens on success.
// Tokens already spent are never refunded: they represent work
// attempted, not work completed.
func (l *Limiter) Admit(subject, class string, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucket(subject, class)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-parameterize when the settings snapshot has advanced,
	// preserving the fractional fill ratio.
	if p, version := l.params(class); version != b.version {
		ratio := 1.0
		if b.capacity > 0 {
			ratio = b.tokens / b.capacity
		}
		b.capacity = p.Capacity
		b.refill = p.Refill
		b.tokens = math.Min(p.Capacity, ratio*p.Capacity)
		b.version = version
	}

	// Lazy refill from elapsed wall time.
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refill)
	}
	b.last = now
	b.touched = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Admitted: true}
	}

	retry := time.Hour // refill disabled: effectively wait forever
	if b.refill > 0 {
		retry = time.Duration((cost - b.tokens) / b.refill * float64(time.Second))
	}
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Admitted: false, RetryAfter: retry}
}

// bucket returns the bucket for (subject, class), creating it lazily on
// first use. New buckets start full.
func (l *Limiter) bucket(subject, class string) *bucket {
	key := bucketKey{subject: subject, class: class}
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	p, version := l.params(class)
	now := l.now()
	b = &bucket{
		tokens:   p.Capacity,
		capacity: p.Capacity,
		refill:   p.Refill,
		last:     now,
		touched:  now,
		version:  version,
	}
	l.buckets[key] = b
	return b
}

// evictIdle removes buckets untouched for longer than the configured
// idle window, bounding memory for one-off chatters.
func (l *Limiter) evictIdle() {
	idle := 30 * time.Minute
	if snap := l.snap.Load(); snap != nil {
		idle = snap.GetDuration("rate/idle-evict", idle)
	}
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.touched.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("evicted idle rate buckets", slog.Int("count", evicted))
	}
}

// Len reports the number of live buckets (exposed for /status).
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
