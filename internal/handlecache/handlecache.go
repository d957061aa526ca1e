// Package handlecache implements the pre-allocated Handle pool described in
// spec.md §4.4: up to N idle handles are kept (each still holding the
// address it last targeted); create(addr,
// id) retargets a free one on a hit instead of allocating, and destroy
// returns a refcount-1 cache-origin handle to the free list.
package handlecache

import (
	"sync"

	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/rpcid"
)

// DefaultCapacity is N from spec.md §4.4.
const DefaultCapacity = 32

// Cache is a per-Instance cache of pre-allocated Handles.
type Cache struct {
	mu       sync.Mutex
	capacity int
	free     []*dispatch.Handle
	owned    map[*dispatch.Handle]bool // handles that originated from this cache
}

// New creates an empty Cache that will hold up to capacity idle handles
// (<=0 means DefaultCapacity).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, owned: make(map[*dispatch.Handle]bool)}
}

// Create returns a Handle targeting addr/id. A free cached handle is reused
// and retargeted if one is available; otherwise a fresh Handle is allocated
// outside the cache (and so bypasses it transparently on Destroy).
//
// The cache lock is held only long enough to pop the free list — per
// spec.md §7's shared-resource policy, a miss releases the lock before
// constructing the fresh handle, so the cache never nests with anything the
// caller does next.
func (c *Cache) Create(addr string, id rpcid.ID) *dispatch.Handle {
	c.mu.Lock()
	n := len(c.free)
	if n == 0 {
		owned := len(c.owned) < c.capacity
		c.mu.Unlock()
		h := dispatch.NewHandle(addr, id)
		if owned {
			c.mu.Lock()
			c.owned[h] = true
			c.mu.Unlock()
		}
		return h
	}
	h := c.free[n-1]
	c.free = c.free[:n-1]
	c.mu.Unlock()

	h.SetAddr(addr)
	h.SetID(id)
	h.Acquire() // the popped handle had refcount 0 while idle in the free list
	return h
}

// Destroy returns h to the cache if it originated there and has refcount 1
// (the sole owner is destroying it); otherwise h is simply released/freed.
// A handle with refcount > 1 is left alone — another holder still
// references it — mirroring the cache's documented behavior for an in-use
// cached handle (spec.md §9 Open Question: this implementation decrements
// and returns immediately rather than recycling eagerly, so a second
// holder's subsequent Release completes independent of cache bookkeeping).
func (c *Cache) Destroy(h *dispatch.Handle) {
	c.mu.Lock()
	fromCache := c.owned[h]
	c.mu.Unlock()

	if !fromCache {
		h.Destroy()
		return
	}
	if h.Release() > 0 {
		return
	}
	h.Destroy()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.free = append(c.free, h)
}

// Len reports the number of idle handles currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}
