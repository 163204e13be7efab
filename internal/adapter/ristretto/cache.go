// Package ristretto is the in-process layer of the resolved-configuration
// cache, built on dgraph-io/ristretto.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	minCounters = 1000
	// An encoded Effective is a few KB; counters track ~10x the entries
	// that fit.
	avgEntryBytes = 2 << 10
)

// Cache holds encoded configurations, costed by their byte size.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache bounded to maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	counters := max(maxCostBytes/avgEntryBytes*10, minCounters)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set waits until the value is visible to Get. A value the admission policy
// rejects is not an error; the next Resolve recomputes it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats returns the lifetime hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	m := c.c.Metrics
	return m.Hits(), m.Misses()
}

// Close releases the cache goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
