package storage

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/dokempf/CebraEM/cebra"
)

// Pool keeps a bounded number of stores open by reference.  Stores evicted from the pool
// are closed.
type Pool struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewPool returns a pool holding up to maxOpen stores.  A zero maxOpen means no limit.
func NewPool(maxOpen int) *Pool {
	cache := lru.New(maxOpen)
	cache.OnEvicted = func(key lru.Key, value interface{}) {
		s := value.(Store)
		if err := s.Close(); err != nil {
			cebra.Errorf("Error closing evicted store %s: %v\n", s, err)
		}
	}
	return &Pool{cache: cache}
}

// Get returns the open store for ref, opening it if necessary.
func (p *Pool) Get(ctx context.Context, ref string, create bool) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value, found := p.cache.Get(ref); found {
		return value.(Store), nil
	}
	s, err := Open(ctx, ref, create)
	if err != nil {
		return nil, err
	}
	p.cache.Add(ref, s)
	return s, nil
}

// Close closes every store in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.cache.Len() > 0 {
		p.cache.RemoveOldest()
	}
}
