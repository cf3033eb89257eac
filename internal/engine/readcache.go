// -------------------------------------------------------------------------------
// ReadCache - Sharded TTL Cache for Short Code Resolution
//
// Author: Alex Freidah
//
// Read-through cache in front of the metadata store. Entries live in
// fixed-size expirable LRU shards whose TTL runs from insertion, so an entry
// changed by another instance is stale for at most one TTL. Unknown codes are
// optionally cached in a separate short-lived shard. Concurrent misses on the
// same code share one storage load. Invalidation bumps a per-shard generation
// so a load that started before the invalidation cannot repopulate the entry.
// -------------------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/afreidah/shortlinkd/internal/pipeline"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// minNegativeEntries is the floor for each negative shard's capacity.
const minNegativeEntries = 64

// CacheEntry is the cached redirect state for one short code.
type CacheEntry struct {
	TargetURL string
	Active    bool
}

// LinkGetter loads a single link from the authoritative store.
type LinkGetter interface {
	Get(ctx context.Context, code string) (*storage.ShortLink, error)
}

// ReadCacheConfig configures a ReadCache.
type ReadCacheConfig struct {
	MaxEntries  int           // Total positive entries across shards
	TTL         time.Duration // Positive entry lifetime from insertion
	NegativeTTL time.Duration // Zero or negative disables negative caching
	Shards      int           // Power of two
	LoadTimeout time.Duration // Bound on each storage load
}

type cacheShard struct {
	positive *expirable.LRU[string, CacheEntry]
	negative *expirable.LRU[string, struct{}]

	// mu orders generation bumps against post-load inserts.
	mu  sync.Mutex
	gen uint64
}

// ReadCache resolves short codes without touching storage on a hit.
//
// Every expirable LRU runs its own purge goroutine that has no stop hook, so
// each cache pins two goroutines per shard for the life of the process. Build
// one per process; tests that construct many should keep shard counts small.
type ReadCache struct {
	shards      []*cacheShard
	mask        uint32
	loader      LinkGetter
	loadTimeout time.Duration
	group       singleflight.Group
}

// NewReadCache creates a cache that loads misses from loader.
func NewReadCache(cfg ReadCacheConfig, loader LinkGetter) *ReadCache {
	n := cfg.Shards
	if n <= 0 || n&(n-1) != 0 {
		n = 16
	}
	perShard := max(cfg.MaxEntries/n, 1)
	negPerShard := max(perShard/10, minNegativeEntries)

	c := &ReadCache{
		shards:      make([]*cacheShard, n),
		mask:        uint32(n - 1),
		loader:      loader,
		loadTimeout: cfg.LoadTimeout,
	}
	for i := range c.shards {
		s := &cacheShard{
			positive: expirable.NewLRU[string, CacheEntry](perShard, nil, cfg.TTL),
		}
		if cfg.NegativeTTL > 0 {
			s.negative = expirable.NewLRU[string, struct{}](negPerShard, nil, cfg.NegativeTTL)
		}
		c.shards[i] = s
	}
	return c
}

func (c *ReadCache) shard(code string) *cacheShard {
	return c.shards[pipeline.HashString(code)&c.mask]
}

// Lookup returns the cached entry for code without touching storage.
func (c *ReadCache) Lookup(code string) (CacheEntry, bool) {
	return c.shard(code).positive.Get(code)
}

// GetOrLoad returns the entry for code, loading it from storage on a miss.
// The boolean reports whether the answer came from the cache. Unknown codes
// return storage.ErrNotFound.
func (c *ReadCache) GetOrLoad(ctx context.Context, code string) (CacheEntry, bool, error) {
	s := c.shard(code)
	if e, ok := s.positive.Get(code); ok {
		telemetry.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return e, true, nil
	}
	if s.negative != nil {
		if _, ok := s.negative.Get(code); ok {
			telemetry.CacheRequestsTotal.WithLabelValues("negative_hit").Inc()
			return CacheEntry{}, true, storage.ErrNotFound
		}
	}
	telemetry.CacheRequestsTotal.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(code, func() (any, error) {
		return c.load(ctx, s, code)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return CacheEntry{}, false, res.Err
		}
		return res.Val.(CacheEntry), false, nil
	case <-ctx.Done():
		return CacheEntry{}, false, ctx.Err()
	}
}

// load fetches code from storage and caches the result unless the shard was
// invalidated while the load was in flight. The load outlives the first
// caller's cancellation so coalesced waiters still get an answer.
func (c *ReadCache) load(ctx context.Context, s *cacheShard, code string) (CacheEntry, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	loadCtx := context.WithoutCancel(ctx)
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()
	}

	link, err := c.loader.Get(loadCtx, code)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		telemetry.CacheLoadsTotal.WithLabelValues("not_found").Inc()
		if s.negative != nil {
			s.mu.Lock()
			if s.gen == gen {
				s.negative.Add(code, struct{}{})
			}
			s.mu.Unlock()
		}
		return CacheEntry{}, storage.ErrNotFound
	case err != nil:
		telemetry.CacheLoadsTotal.WithLabelValues("error").Inc()
		return CacheEntry{}, err
	}

	telemetry.CacheLoadsTotal.WithLabelValues("found").Inc()
	entry := CacheEntry{TargetURL: link.TargetURL, Active: link.Active}
	s.mu.Lock()
	if s.gen == gen {
		s.positive.Add(code, entry)
	}
	s.mu.Unlock()
	return entry, nil
}

// Invalidate synchronously removes any positive or negative entry for code.
// A load already in flight for code will not repopulate the cache.
func (c *ReadCache) Invalidate(code string) {
	s := c.shard(code)
	s.mu.Lock()
	s.gen++
	s.positive.Remove(code)
	if s.negative != nil {
		s.negative.Remove(code)
	}
	s.mu.Unlock()
	c.group.Forget(code)
	telemetry.CacheInvalidationsTotal.Inc()
}

// Len returns the number of positive entries and refreshes the entries gauge.
func (c *ReadCache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.positive.Len()
	}
	telemetry.CacheEntries.Set(float64(n))
	return n
}
