package bulk

import "sync"

// BulkPool is a fixed-count × fixed-size × fixed-permission set of reusable
// Handles carved out of a single contiguous backing allocation, per
// spec.md §4.5.
type BulkPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	slotSize   int
	permission Permission
	backing    []byte
	free       []*Handle // LIFO free list, for cache locality on reuse
	all        map[*Handle]bool
}

// NewBulkPool allocates count slots of slotSize bytes each, contiguously,
// and carves them into count ready-to-use Handles.
func NewBulkPool(count, slotSize int, permission Permission) *BulkPool {
	p := &BulkPool{
		slotSize:   slotSize,
		permission: permission,
		backing:    make([]byte, count*slotSize),
		all:        make(map[*Handle]bool, count),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < count; i++ {
		seg := p.backing[i*slotSize : (i+1)*slotSize]
		h := &Handle{segments: []Segment{{Addr: seg, Len: slotSize}}, permission: permission, refcount: 0}
		p.free = append(p.free, h)
		p.all[h] = true
	}
	return p
}

// Get blocks until a Handle is available, then returns it with refcount 1.
func (p *BulkPool) Get() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	return p.pop()
}

// TryGet returns a Handle immediately, or nil if the pool is exhausted.
func (p *BulkPool) TryGet() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	return p.pop()
}

func (p *BulkPool) pop() *Handle {
	n := len(p.free)
	h := p.free[n-1]
	p.free = p.free[:n-1]
	h.refcount = 1
	return h
}

// Release returns h to the free list and wakes one waiter. h must have come
// from this pool (Get or TryGet) — releasing a foreign or already-free
// handle is a caller bug and is ignored.
func (p *BulkPool) Release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.all[h] {
		return
	}
	h.refcount = 0
	p.free = append(p.free, h)
	p.cond.Signal()
}

// SlotSize reports the fixed per-handle size this pool was constructed with.
func (p *BulkPool) SlotSize() int { return p.slotSize }

// Available reports how many handles are currently free.
func (p *BulkPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// CanDestroy reports whether every handle carved from this pool has been
// returned — spec.md §4.5's destruction precondition.
func (p *BulkPool) CanDestroy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) == len(p.all)
}
