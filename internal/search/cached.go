package search

import (
	"context"
	"log/slog"

	"github.com/Veraticus/the-price-must-flow/internal/cache"
)

// Cached serves repeated queries from a result store. Store failures are
// logged and fall through to the wrapped searcher.
type Cached struct {
	next   Searcher
	store  cache.Store[Result]
	logger *slog.Logger
}

// NewCached wraps s with store.
func NewCached(s Searcher, store cache.Store[Result], logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: s, store: store, logger: logger}
}

// Search implements Searcher.
func (c *Cached) Search(ctx context.Context, q Query) (Result, error) {
	key := CacheKey(q)

	cached, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("search cache read failed", "error", err)
	} else if found {
		return cached, nil
	}

	result, err := c.next.Search(ctx, q)
	if err != nil {
		return Result{}, err
	}
	// Empty results are not cached so a later run can retry the search.
	if len(result.Competitors) > 0 {
		if err := c.store.Set(ctx, key, result); err != nil {
			c.logger.Warn("search cache write failed", "error", err)
		}
	}
	return result, nil
}
