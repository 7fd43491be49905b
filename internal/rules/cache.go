package rules

import (
	"context"
	"sync"
	"sync/atomic"
)

// Loader fetches the current set of active rules, used to rebuild the
// index after invalidation.
type Loader interface {
	ListActive(ctx context.Context) ([]*Rule, error)
}

// Cache is a read-through-cached Index: readers get the current snapshot
// via an atomic pointer load (no locks on the hot path); a rule mutation
// invalidates the whole thing, and the next reader to observe the nil
// pointer pays for one rebuild under a mutex; other readers that observe
// the nil pointer meanwhile wait on that mutex and then reuse the rebuilt
// snapshot.
type Cache struct {
	loader Loader

	snapshot  atomic.Pointer[Index]
	rebuildMu sync.Mutex
}

// NewCache builds a Cache with nothing loaded yet; the first Get triggers a
// rebuild.
func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader}
}

// Get returns the current index, rebuilding it first if the cache has been
// invalidated (or never populated) since the last read.
func (c *Cache) Get(ctx context.Context) (*Index, error) {
	if idx := c.snapshot.Load(); idx != nil {
		return idx, nil
	}

	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	// Another goroutine may have rebuilt while we waited for the lock.
	if idx := c.snapshot.Load(); idx != nil {
		return idx, nil
	}

	active, err := c.loader.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	idx := NewIndex(active)
	c.snapshot.Store(idx)
	return idx, nil
}

// Invalidate discards the cached snapshot. Any rule create/update/
// activate/deactivate/delete must call this; the next Get rebuilds from
// ListActive.
func (c *Cache) Invalidate() {
	c.snapshot.Store(nil)
}
