// Package cache holds synthesised utterances so that repeated phrases are
// played without another round trip to a TTS tier.
//
// Entries are keyed by (provider, language, text). Text is used verbatim and
// languages are compared exactly. Entries older than the TTL are treated as
// absent and dropped on lookup; an entry is still live at exactly its TTL.
// The number of entries is bounded; when the ceiling is reached the entry
// stored longest ago is evicted first. Lookups do not affect eviction order.
package cache

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

const (
	// DefaultTTL is the lifetime of an entry when no TTL is configured.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxEntries is the soft ceiling on the number of entries.
	DefaultMaxEntries = 256
)

// Key identifies one cached utterance.
type Key struct {
	Provider string `json:"provider"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Stats is a snapshot of the cache contents.
type Stats struct {
	Count int   `json:"count"`
	Keys  []Key `json:"keys"`
}

type entry struct {
	payload    []byte
	insertedAt time.Time
}

// Option configures an AudioCache.
type Option func(*AudioCache)

// WithTTL sets the entry lifetime. Non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(c *AudioCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxEntries sets the eviction ceiling. Non-positive values keep the
// default.
func WithMaxEntries(n int) Option {
	return func(c *AudioCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock replaces time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *AudioCache) { c.now = now }
}

// WithOnLookup registers a callback invoked after every Lookup with whether it
// was a hit. Used for metrics.
func WithOnLookup(fn func(hit bool)) Option {
	return func(c *AudioCache) { c.onLookup = fn }
}

// AudioCache is a TTL-bounded store of audio payloads with oldest-first
// eviction. It is safe for concurrent use; every operation is total.
type AudioCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	onLookup   func(hit bool)

	mu      sync.Mutex
	order   *lru.Cache // insertion order only; touched by Store, never by Lookup
	entries map[Key]entry
}

// New creates an empty AudioCache.
func New(opts ...Option) *AudioCache {
	c := &AudioCache{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		entries:    make(map[Key]entry),
	}
	for _, o := range opts {
		o(c)
	}
	c.order = lru.New(c.maxEntries)
	c.order.OnEvicted = func(k lru.Key, _ any) {
		delete(c.entries, k.(Key))
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *AudioCache) TTL() time.Duration { return c.ttl }

// Lookup returns the payload stored under k. Expired entries are removed and
// reported absent.
func (c *AudioCache) Lookup(k Key) ([]byte, bool) {
	payload, ok := c.lookup(k)
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	return payload, ok
}

func (c *AudioCache) lookup(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.order.Remove(k)
		return nil, false
	}
	return e.payload, true
}

// Store inserts or replaces the payload under k and resets its age.
func (c *AudioCache) Store(k Key, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = entry{payload: payload, insertedAt: c.now()}
	c.order.Add(k, nil)
}

// Stats returns the number of entries and their keys in a stable order.
// Expired entries that were not looked up yet are included.
func (c *AudioCache) Stats() Stats {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(
			cmp.Compare(a.Provider, b.Provider),
			cmp.Compare(a.Language, b.Language),
			cmp.Compare(a.Text, b.Text),
		)
	})
	return Stats{Count: len(keys), Keys: keys}
}

// Len returns the number of entries.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *AudioCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Clear()
	clear(c.entries)
}
