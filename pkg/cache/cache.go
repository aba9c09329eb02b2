package cache

import (
	"context"
	"time"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// DefaultTTL applies when a Cache is created without one.
const DefaultTTL = 24 * time.Hour

// Cache adds expiry on top of a Store.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   *logging.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for lazy-eviction failures.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns a cache over store whose entries live for ttl unless Put says
// otherwise.
func New(store Store, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		log:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the unexpired entry for fp. An expired entry is a miss and is
// deleted unless it was replaced in the meantime.
func (c *Cache) Get(ctx context.Context, fp string) (*Entry, bool, error) {
	e, err := c.store.Get(ctx, fp)
	if err != nil {
		return nil, false, &types.CacheCorruptionError{Op: "get", Fingerprint: fp, Err: err}
	}
	if e == nil {
		return nil, false, nil
	}
	if e.Expired(c.now()) {
		if _, err := c.store.DeleteIf(ctx, fp, e.CreatedAt); err != nil {
			c.log.Warnf("%v", &types.CacheCorruptionError{Op: "evict", Fingerprint: fp, Err: err})
		}
		return nil, false, nil
	}
	return e, true, nil
}

// Put stores e with ExpiresAt = CreatedAt + ttl. A zero CreatedAt is set to
// now and a non-positive ttl uses the cache default. Put is a no-op when a
// newer entry for the same fingerprint exists.
func (c *Cache) Put(ctx context.Context, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	e.ExpiresAt = e.CreatedAt.Add(ttl)
	stored, err := c.store.Put(ctx, e)
	if err != nil {
		return &types.CacheCorruptionError{Op: "put", Fingerprint: e.Fingerprint, Err: err}
	}
	if !stored {
		c.log.Debugf("Kept newer entry for %.12s", e.Fingerprint)
	}
	return nil
}

// EvictExpired removes every expired entry and returns how many were removed.
// It is idempotent and may run concurrently with reads and writes.
func (c *Cache) EvictExpired(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return n, &types.CacheCorruptionError{Op: "evict", Err: err}
	}
	return n, nil
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache) Len(ctx context.Context) (int, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, &types.CacheCorruptionError{Op: "count", Err: err}
	}
	return n, nil
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}
