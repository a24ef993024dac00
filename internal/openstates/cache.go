package openstates

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 32
	DefaultCacheTTL  = 5 * time.Minute
)

// Cache stores per-bill fetch results. Implementations own the entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) (BillVotes, bool, error)
	Set(ctx context.Context, key string, value BillVotes) error
}

// MemoryCache is an in-process LRU with a fixed entry TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, BillVotes]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[string, BillVotes](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (BillVotes, bool, error) {
	value, ok := c.lru.Get(key)
	return value, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value BillVotes) error {
	c.lru.Add(key, value)
	return nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func cacheKey(billID, since string) string {
	if since == "" {
		since = "all"
	}
	return billID + "::" + since
}
