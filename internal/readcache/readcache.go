// Package readcache implements ReadCache: an LRU of whole
// container buffers keyed by container id, backed by the on-disk
// container store on a miss.
package readcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"dedupd/internal/container"
)

// DefaultCapacity is a reasonable default container count when the
// config does not specify restore.read_cache_size.
const DefaultCapacity = 64

// MultiTenantCapacity is the degraded capacity used under the
// multi-tenant flag, to bound memory.
const MultiTenantCapacity = 1

// Cache is an LRU of whole containers. Every lookup and insert
// serializes on hashicorp/golang-lru's single internal mutex, which is
// held only for the map operation, so a writer evicting takes exclusive
// access. A miss loads the container from disk outside that mutex, so
// readers of distinct ids wait on each other only for those map
// operations, never for disk I/O.
type Cache struct {
	lru   *lru.Cache[[container.IDLen]byte, *container.Container]
	store *container.Store

	// OnHit and OnMiss, when set before the cache is shared, are called
	// on every Get that is served from memory or from disk respectively.
	OnHit  func()
	OnMiss func()
}

// New builds a cache of the given capacity backed by store.
func New(capacity int, store *container.Store) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[[container.IDLen]byte, *container.Container](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, store: store}, nil
}

// Exists reports whether id is already resident in the cache, without
// touching the disk.
func (c *Cache) Exists(id [container.IDLen]byte) bool {
	return c.lru.Contains(id)
}

// Get returns the container for id, loading it from the backing store
// and inserting it into the cache on a miss.
func (c *Cache) Get(id [container.IDLen]byte) (*container.Container, error) {
	if buf, ok := c.lru.Get(id); ok {
		if c.OnHit != nil {
			c.OnHit()
		}
		return buf, nil
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}
	buf, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, buf)
	return buf, nil
}

// Insert seeds the cache directly with a container buffer the caller
// already has in hand (e.g. a just-flushed container, to avoid an
// immediate disk round trip on the next restore of the same content).
func (c *Cache) Insert(id [container.IDLen]byte, buf *container.Container) {
	c.lru.Add(id, buf)
}

// Len reports the number of containers currently resident.
func (c *Cache) Len() int {
	return c.lru.Len()
}
