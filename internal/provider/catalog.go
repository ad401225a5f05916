package provider

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// catalogTTL bounds how long fetched model lists are reused before the
// provider is asked again.
const catalogTTL = 30 * time.Minute

// Catalog caches FetchModels results per provider endpoint so repeated model
// resolution does not hammer the providers' /models APIs.
type Catalog struct {
	cache *expirable.LRU[string, []ModelInfo]
}

// NewCatalog builds an empty catalog with the default TTL.
func NewCatalog() *Catalog {
	return &Catalog{cache: expirable.NewLRU[string, []ModelInfo](32, nil, catalogTTL)}
}

// sharedCatalog serves every client constructed in this process.
var sharedCatalog = NewCatalog()

// Fetch returns the cached list for key, calling fetch on miss or expiry.
// Fetch failures are not cached.
func (c *Catalog) Fetch(ctx context.Context, key string, fetch func(ctx context.Context) ([]ModelInfo, error)) ([]ModelInfo, error) {
	if models, ok := c.cache.Get(key); ok {
		return models, nil
	}
	models, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, models)
	return models, nil
}

// Invalidate drops the cached list for key, forcing the next Fetch through.
func (c *Catalog) Invalidate(key string) {
	c.cache.Remove(key)
}
