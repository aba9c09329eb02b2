package cache

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/logging"
)

// Cleaner evicts expired entries on a fixed interval.
type Cleaner struct {
	cache    *Cache
	interval time.Duration
	log      *logging.Logger

	// OnPass, when set, observes the result of every pass.
	OnPass func(removed int, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleaner returns a cleaner for cache. It does nothing until Start.
func NewCleaner(cache *Cache, interval time.Duration, log *logging.Logger) *Cleaner {
	if log == nil {
		log = logging.Nop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{cache: cache, interval: interval, log: log}
}

// Start runs one pass immediately, then one per interval until ctx ends or
// Stop is called. Calling Start on a running cleaner does nothing.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pass(ctx)
		}
	}
}

func (c *Cleaner) pass(ctx context.Context) {
	removed, err := c.cache.EvictExpired(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		c.log.Errorf("Cache cleanup failed: %v", err)
	case removed > 0:
		c.log.Infof("Removed %d expired cache entries", removed)
	default:
		c.log.Debugf("Cache cleanup found nothing to remove")
	}
	if c.OnPass != nil {
		c.OnPass(removed, err)
	}
}
