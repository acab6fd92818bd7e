package pricing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brojonat/pono/service/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is used when NewCachedSource is given a non-positive size.
const DefaultCacheSize = 4096

type cacheKey struct {
	mint string
	ts   int64
}

type cacheEntry struct {
	quote Quote
	found bool
}

// CachedSource memoizes another PriceSource by (mint, timestamp).
// Prices and definitive absences are cached; errors are not, so a failed
// lookup is retried on the next request. Concurrent lookups of the same key
// share one upstream call.
type CachedSource struct {
	source  PriceSource
	name    string
	cache   *lru.Cache[cacheKey, cacheEntry]
	group   singleflight.Group
	metrics *metrics.Metrics
}

// NewCachedSource wraps source with an LRU cache holding up to size entries.
// The name labels lookup metrics. If metrics is nil, no metrics will be recorded.
func NewCachedSource(source PriceSource, name string, size int, m *metrics.Metrics) (*CachedSource, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	return &CachedSource{
		source:  source,
		name:    name,
		cache:   cache,
		metrics: m,
	}, nil
}

// GetPrice implements PriceSource.
func (c *CachedSource) GetPrice(ctx context.Context, mint string, unixTS int64) (Quote, bool, error) {
	key := cacheKey{mint: mint, ts: unixTS}
	if entry, ok := c.cache.Get(key); ok {
		c.record("hit")
		return entry.quote, entry.found, nil
	}

	v, err, _ := c.group.Do(mint+"@"+strconv.FormatInt(unixTS, 10), func() (interface{}, error) {
		// Another caller may have filled the entry while we waited to run.
		if entry, ok := c.cache.Get(key); ok {
			return entry, nil
		}
		quote, found, err := c.source.GetPrice(ctx, mint, unixTS)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{quote: quote, found: found}
		c.cache.Add(key, entry)
		if c.metrics != nil {
			c.metrics.RecordPriceCacheEntries(c.name, c.Len())
		}
		return entry, nil
	})
	if err != nil {
		c.record("error")
		return Quote{}, false, err
	}

	entry := v.(cacheEntry)
	if entry.found {
		c.record("miss")
	} else {
		c.record("absent")
	}
	return entry.quote, entry.found, nil
}

// Len returns the number of cached entries.
func (c *CachedSource) Len() int {
	return c.cache.Len()
}

func (c *CachedSource) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordPriceLookup(c.name, status)
	}
}
