// Package cache provides a bounded, TTL-aware LRU used to memoize analysis
// results.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Options configures an LRU.
type Options struct {
	// MaxEntries is the maximum number of cached values. Zero disables the
	// cache: Put becomes a no-op and Get always misses.
	// Default: 1024
	MaxEntries int

	// MaxAge is the TTL for cached values. Zero means no expiry.
	// Default: 10 minutes
	MaxAge time.Duration

	// Now is the clock used for TTL checks.
	// Default: time.Now
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries: 1024,
		MaxAge:     10 * time.Minute,
		Now:        time.Now,
	}
}

// Option is a functional option for configuring an LRU.
type Option func(*Options)

// WithMaxEntries sets the capacity. Negative values are treated as zero.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.MaxEntries = n
	}
}

// WithMaxAge sets the TTL. Zero disables expiry.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.MaxAge = d
		}
	}
}

// WithClock overrides the clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// LRU is a thread-safe least-recently-used cache with a per-entry TTL.
// Storage and recency live in an expirable LRU, which also sweeps expired
// entries in the background; lookups additionally check the age against the
// configured clock so expiry is exact and testable.
type LRU[V any] struct {
	lru     *expirable.LRU[string, entry[V]] // nil when disabled
	options Options

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// New creates an LRU with the given options.
func New[V any](opts ...Option) *LRU[V] {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	c := &LRU[V]{options: options}
	if options.MaxEntries > 0 {
		c.lru = expirable.NewLRU[string, entry[V]](options.MaxEntries, nil, options.MaxAge)
	}
	return c
}

// Get returns the value for key if present and not expired. Expired entries
// are removed on access.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V
	if c.lru == nil {
		c.misses.Add(1)
		return zero, false
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if c.isExpired(e) {
		c.lru.Remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full. Storing an existing key refreshes its value and TTL.
func (c *LRU[V]) Put(key string, value V) {
	if c.lru == nil {
		return
	}
	if c.lru.Add(key, entry[V]{value: value, storedAt: c.options.Now()}) {
		c.evictions.Add(1)
	}
}

// Remove deletes key if present.
func (c *LRU[V]) Remove(key string) {
	if c.lru != nil {
		c.lru.Remove(key)
	}
}

// Purge removes every entry. Counters are kept.
func (c *LRU[V]) Purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

// Len returns the number of stored entries, including expired ones not yet
// swept or observed by Get.
func (c *LRU[V]) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Size:      c.Len(),
		Capacity:  c.options.MaxEntries,
	}
}

func (c *LRU[V]) isExpired(e entry[V]) bool {
	if c.options.MaxAge == 0 {
		return false
	}
	return c.options.Now().Sub(e.storedAt) > c.options.MaxAge
}
