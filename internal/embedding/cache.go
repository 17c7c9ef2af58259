package embedding

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL = 10 * time.Minute
	flightTimeout   = 30 * time.Second
)

// Cache memoizes single-text embeddings, which is what search queries look
// like. Concurrent misses for the same text share one provider call, which
// outlives any single caller's cancellation. Batch calls pass straight
// through.
type Cache struct {
	inner         Provider
	cache         *ristretto.Cache
	group         singleflight.Group
	ttl           time.Duration
	flightTimeout time.Duration
	logger        *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps inner with a cache holding up to size vectors for ttl.
func NewCache(inner Provider, size int64, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &Cache{
		inner:         inner,
		cache:         rc,
		ttl:           ttl,
		flightTimeout: flightTimeout,
		logger:        logger,
	}, nil
}

// Embed serves single texts from the cache when possible.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}
	key := texts[0]

	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return [][]float32{clone(v.([]float32))}, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		vecs, err := c.inner.Embed(fctx, []string{key})
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, clone(vecs[0]), 1, c.ttl)
		return vecs[0], nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return [][]float32{clone(r.Val.([]float32))}, nil
	}
}

// Dimension delegates to the wrapped provider.
func (c *Cache) Dimension() int { return c.inner.Dimension() }

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) { return c.hits.Load(), c.misses.Load() }

// Wait blocks until buffered writes are visible to Get.
func (c *Cache) Wait() { c.cache.Wait() }

// Close releases the cache goroutines.
func (c *Cache) Close() {
	c.cache.Close()
	h, m := c.Stats()
	c.logger.Debug("embedding cache closed", zap.Int64("hits", h), zap.Int64("misses", m))
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
