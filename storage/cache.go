package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/coocood/freecache"
)

// CachedStore serves repeated reads of selected keys from an in-memory cache.  Only keys
// with one of the cached prefixes go through the cache.  The cache is not invalidated by
// writes from other processes, so it should only front data that is not being modified.
type CachedStore struct {
	Store
	cache    *freecache.Cache
	prefixes []string
}

// NewCachedStore wraps a store with a cache of roughly sizeBytes.  sizeBytes is raised to
// freecache's minimum of 512 KB if smaller.
func NewCachedStore(s Store, sizeBytes int, prefixes ...string) *CachedStore {
	return &CachedStore{Store: s, cache: freecache.NewCache(sizeBytes), prefixes: prefixes}
}

func (c *CachedStore) String() string {
	return fmt.Sprintf("cached %s", c.Store)
}

func (c *CachedStore) cacheable(key string) bool {
	if len(c.prefixes) == 0 {
		return true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !c.cacheable(key) {
		return c.Store.Get(ctx, key)
	}
	if value, err := c.cache.Get([]byte(key)); err == nil {
		return value, nil
	}
	value, err := c.Store.Get(ctx, key)
	if err != nil || value == nil {
		return value, err
	}
	// Values too large for the cache are simply not cached.
	c.cache.Set([]byte(key), value, 0)
	return value, nil
}

func (c *CachedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := c.Store.Put(ctx, key, value); err != nil {
		return err
	}
	if c.cacheable(key) {
		c.cache.Set([]byte(key), value, 0)
	}
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	c.cache.Del([]byte(key))
	return c.Store.Delete(ctx, key)
}

// HitRate returns the ratio of cache hits to lookups.
func (c *CachedStore) HitRate() float64 {
	return c.cache.HitRate()
}
