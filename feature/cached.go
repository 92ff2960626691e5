package feature

import (
	"context"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
)

// CacheOptions configures a Cached client.
type CacheOptions struct {
	// MaxItems bounds the number of cached embeddings.
	MaxItems int64
	// TTL is how long an embedding stays cached. Zero keeps it until evicted.
	TTL time.Duration
	// LookupTimeout bounds a shared call to the wrapped client. The call
	// outlives any single caller, so it runs detached from their contexts.
	LookupTimeout time.Duration
}

// Cached wraps a FeatureClient with an embedding cache. Concurrent lookups
// of the same user share one call to the wrapped client; each caller stops
// waiting when its own context is done. Absent users are not cached.
type Cached struct {
	next    recall.FeatureClient
	cache   *ristretto.Cache[int64, []float32]
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
}

// NewCached returns a caching wrapper around next.
func NewCached(next recall.FeatureClient, opts CacheOptions) (*Cached, error) {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100_000
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, []float32]{
		NumCounters:        opts.MaxItems * 10,
		MaxCost:            opts.MaxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache, ttl: opts.TTL, timeout: opts.LookupTimeout}, nil
}

type cachedResult struct {
	vec []float32
	ok  bool
}

// Lookup returns the embedding of userID from the cache or the wrapped client.
// The returned slice is owned by the caller.
func (c *Cached) Lookup(ctx context.Context, userID int64) ([]float32, bool, error) {
	if vec, ok := c.cache.Get(userID); ok {
		return core.CopyVector(vec), true, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		lctx, cancel := context.WithTimeout(shared, c.timeout)
		defer cancel()
		vec, ok, err := c.next.Lookup(lctx, userID)
		if err != nil || !ok {
			return cachedResult{}, err
		}
		c.cache.SetWithTTL(userID, core.CopyVector(vec), 1, c.ttl)
		return cachedResult{vec: vec, ok: true}, nil
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if r.Err != nil {
		return nil, false, r.Err
	}
	res := r.Val.(cachedResult)
	if !res.ok {
		return nil, false, nil
	}
	return core.CopyVector(res.vec), true, nil
}

// Invalidate drops the cached embedding of userID.
func (c *Cached) Invalidate(userID int64) {
	c.cache.Del(userID)
}

// Wait blocks until buffered cache writes are applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}

var _ recall.FeatureClient = (*Cached)(nil)
