// Package usage caches the storage used by the schemas of one instance. Collecting sizes scans the
// whole backend so it happens at most once per interval no matter how many requests ask for it.
package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"golang.org/x/sync/singleflight"
)

type sizeSource interface {
	SchemaSizes(ctx context.Context) ([]model.SchemaSize, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the clock used to decide whether the cached sizes expired.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(source sizeSource, ttl time.Duration, options ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Cache holds a single entry: the sizes of every schema of an instance.
type Cache struct {
	source sizeSource
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu         sync.RWMutex
	sizes      []model.SchemaSize
	fetchedAt  time.Time
	fetched    bool
	generation uint64
}

// SchemaSizes returns the cached sizes, collecting them first if they are missing or expired.
// Concurrent callers share one collection.
func (c *Cache) SchemaSizes(ctx context.Context) ([]model.SchemaSize, error) {
	if sizes, ok := c.cached(); ok {
		return sizes, nil
	}

	v, err, _ := c.group.Do("sizes", func() (any, error) {
		if sizes, ok := c.cached(); ok {
			return sizes, nil
		}

		c.mu.RLock()
		generation := c.generation
		c.mu.RUnlock()

		sizes, err := c.source.SchemaSizes(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// sizes collected before an invalidation are handed out but not kept
		if c.generation == generation {
			c.sizes = sizes
			c.fetchedAt = c.now()
			c.fetched = true
		}
		return sizes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.SchemaSize), nil
}

func (c *Cache) cached() ([]model.SchemaSize, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fetched || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.sizes, true
}

// SchemaSize returns the size in MB of the schema owned by name or 0 if it is unknown.
func (c *Cache) SchemaSize(ctx context.Context, name string) (float64, error) {
	sizes, err := c.SchemaSizes(ctx)
	if err != nil {
		return 0, err
	}

	for _, size := range sizes {
		if strings.EqualFold(size.Owner, name) {
			return size.SizeMB, nil
		}
	}
	return 0, nil
}

// Invalidate drops the cached sizes so the next read collects them again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sizes = nil
	c.fetched = false
	c.generation++
}
