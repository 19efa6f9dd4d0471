// Package limiter implements per-(client, route) admission control with token buckets.
//
// Buckets refill lazily from elapsed wall-clock time and are created on first
// use. Full buckets carry no information and are dropped by Sweep.
package limiter

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Profile is the shape of a bucket: burst capacity and refill rate in tokens per second.
type Profile struct {
	Capacity   int
	RefillRate float64
}

// DefaultProfile applies to routes with no explicit profile.
var DefaultProfile = Profile{Capacity: 60, RefillRate: 1}

// Key identifies one bucket.
type Key struct {
	ClientID string
	Route    string
}

// Decision is the client-facing result of an admission check.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Remaining    float64 `json:"remaining"`
	RetryAfterMs int64   `json:"retry_after_ms"`
}

type bucket struct {
	lim     *rate.Limiter
	profile Profile

	// mu orders consumption against Sweep; a dead bucket is no longer in the map.
	mu   sync.Mutex
	dead bool
}

// Limiter holds the bucket map. The map lock is only taken to find or insert
// a bucket; token accounting uses each bucket's own lock.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[Key]*bucket
	routes   map[string]Profile
	fallback Profile
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithDefaultProfile overrides the profile for unmatched routes.
func WithDefaultProfile(p Profile) Option {
	return func(l *Limiter) {
		if p.Capacity > 0 && p.RefillRate > 0 {
			l.fallback = p
		}
	}
}

// New creates a Limiter with the given per-route profiles.
func New(routes map[string]Profile, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[Key]*bucket),
		routes:   make(map[string]Profile, len(routes)),
		fallback: DefaultProfile,
		now:      time.Now,
	}
	for route, p := range routes {
		if p.Capacity > 0 && p.RefillRate > 0 {
			l.routes[route] = p
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ProfileFor returns the profile that applies to route.
func (l *Limiter) ProfileFor(route string) Profile {
	if p, ok := l.routes[route]; ok {
		return p
	}
	return l.fallback
}

// getBucket returns the bucket for key, creating one if needed.
func (l *Limiter) getBucket(key Key) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = l.buckets[key]; exists {
		return b
	}

	p := l.ProfileFor(key.Route)
	b = &bucket{
		lim:     rate.NewLimiter(rate.Limit(p.RefillRate), p.Capacity),
		profile: p,
	}
	l.buckets[key] = b
	return b
}

// acquire returns the live bucket for key with its lock held. A bucket retired
// by Sweep between lookup and lock is skipped and the key looked up again.
func (l *Limiter) acquire(key Key) *bucket {
	for {
		b := l.getBucket(key)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

func (l *Limiter) lookup(key Key) (*bucket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[key]
	return b, ok
}

// TryConsumeN takes n tokens from the bucket for key if that many are available.
func (l *Limiter) TryConsumeN(key Key, n int) bool {
	if n <= 0 {
		return true
	}
	b := l.acquire(key)
	defer b.mu.Unlock()
	return b.lim.AllowN(l.now(), n)
}

// TryConsume takes one token for (clientID, route) and reports the outcome
// with the remaining quota and a retry hint.
func (l *Limiter) TryConsume(clientID, route string) Decision {
	key := Key{ClientID: clientID, Route: route}
	b := l.acquire(key)
	now := l.now()
	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	b.mu.Unlock()
	return Decision{
		Allowed:      allowed,
		Remaining:    math.Max(0, tokens),
		RetryAfterMs: retryAfterMs(tokens, b.profile.RefillRate),
	}
}

// AvailableTokens reports the tokens currently in the bucket for key.
// A key that has never been seen reports a full bucket.
func (l *Limiter) AvailableTokens(key Key) float64 {
	b, ok := l.lookup(key)
	if !ok {
		return float64(l.ProfileFor(key.Route).Capacity)
	}
	return math.Max(0, b.lim.TokensAt(l.now()))
}

// RetryAfterMs returns how long until one token is available for key, or 0.
func (l *Limiter) RetryAfterMs(key Key) int64 {
	b, ok := l.lookup(key)
	if !ok {
		return 0
	}
	return retryAfterMs(b.lim.TokensAt(l.now()), b.profile.RefillRate)
}

func retryAfterMs(tokens, refillRate float64) int64 {
	if tokens >= 1 || refillRate <= 0 {
		return 0
	}
	return int64(math.Ceil((1 - tokens) / refillRate * 1000))
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Sweep drops buckets that have refilled to capacity and returns how many were removed.
// Keys are examined one at a time so request paths never wait on a full scan.
func (l *Limiter) Sweep() int {
	l.mu.RLock()
	keys := make([]Key, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		l.mu.Lock()
		if b, ok := l.buckets[k]; ok {
			b.mu.Lock()
			if b.lim.TokensAt(l.now()) >= float64(b.profile.Capacity) {
				b.dead = true
				delete(l.buckets, k)
				removed++
			}
			b.mu.Unlock()
		}
		l.mu.Unlock()
	}
	return removed
}
