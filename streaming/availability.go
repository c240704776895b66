package streaming

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Prober performs one liveness check against the media server.
type Prober interface {
	Probe(ctx context.Context, path string) (bool, error)
}

type ProberFunc func(ctx context.Context, path string) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, path string) (bool, error) { return f(ctx, path) }

type availability struct {
	available bool
	checkedAt time.Time
}

// AvailabilityCache remembers probe results for a short TTL, negative
// results included, so repeated checks do not hit the media server.
type AvailabilityCache struct {
	prober  Prober
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]availability

	group  singleflight.Group
	probes atomic.Int64
}

func NewAvailabilityCache(prober Prober, ttl, timeout time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AvailabilityCache{
		prober:  prober,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		entries: make(map[string]availability),
	}
}

// IsAvailable answers from the cache when the entry is younger than the
// TTL, otherwise probes. Concurrent misses for one path share a probe.
func (c *AvailabilityCache) IsAvailable(ctx context.Context, path string) bool {
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok && c.now().Sub(e.checkedAt) < c.ttl {
		c.mu.Unlock()
		return e.available
	}
	c.mu.Unlock()

	ch := c.group.DoChan(path, func() (interface{}, error) {
		c.probes.Add(1)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		available, err := c.prober.Probe(pctx, path)
		if err != nil {
			log.Printf("[availability] probe for %s failed: %v", path, err)
			available = false
		}

		c.mu.Lock()
		c.entries[path] = availability{available: available, checkedAt: c.now()}
		c.mu.Unlock()
		return available, nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// Purge drops entries older than twice the TTL.
func (c *AvailabilityCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for path, e := range c.entries {
		if now.Sub(e.checkedAt) > 2*c.ttl {
			delete(c.entries, path)
			removed++
		}
	}
	return removed
}

func (c *AvailabilityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Probes counts the probes actually sent.
func (c *AvailabilityCache) Probes() int64 { return c.probes.Load() }
