package bulk

import "errors"

// ErrNoFit is returned by PoolSet.TryGet when size exceeds every bucket's
// slot, whether or not any is set.
var ErrNoFit = errors.New("bulk: no pool bucket fits requested size")

// PoolSet is an array of BulkPools in geometric size progression —
// size[i] = firstSize * multiplier^i — implementing spec.md §4.5's
// BulkPoolSet. Get(size) and TryGet(size, any) pick the smallest bucket
// whose slot can hold size.
type PoolSet struct {
	pools []*BulkPool
}

// NewPoolSet builds levels buckets of count handles each, starting at
// firstSize and growing by multiplier each level, all sharing permission.
func NewPoolSet(levels, count, firstSize int, multiplier float64, permission Permission) *PoolSet {
	ps := &PoolSet{pools: make([]*BulkPool, levels)}
	size := float64(firstSize)
	for i := 0; i < levels; i++ {
		ps.pools[i] = NewBulkPool(count, int(size), permission)
		size *= multiplier
	}
	return ps
}

// bucketFor returns the index of the smallest pool whose slot size is >=
// size, or -1 if none fits.
func (ps *PoolSet) bucketFor(size int) int {
	for i, p := range ps.pools {
		if p.SlotSize() >= size {
			return i
		}
	}
	return -1
}

// Get blocks inside the smallest bucket that fits size. If size exceeds
// every bucket's slot it falls back to the largest bucket rather than
// failing — the returned handle's segment is then smaller than requested,
// which is the caller's configuration error to avoid, not this call's to
// reject.
func (ps *PoolSet) Get(size int) *Handle {
	i := ps.bucketFor(size)
	if i < 0 {
		i = len(ps.pools) - 1
	}
	return ps.pools[i].Get()
}

// TryGet returns a handle from the first-fit bucket without blocking. If
// that bucket is exhausted and any is true, it falls back to progressively
// larger buckets before giving up; if any is false it fails as soon as the
// first-fit bucket is empty.
func (ps *PoolSet) TryGet(size int, any bool) (*Handle, error) {
	i := ps.bucketFor(size)
	if i < 0 {
		return nil, ErrNoFit
	}
	if h := ps.pools[i].TryGet(); h != nil {
		return h, nil
	}
	if !any {
		return nil, nil
	}
	for j := i + 1; j < len(ps.pools); j++ {
		if h := ps.pools[j].TryGet(); h != nil {
			return h, nil
		}
	}
	return nil, nil
}

// Release returns h to whichever bucket's slot size equals h's registered
// size — spec.md §4.5's invariant that a released handle goes back to the
// pool it came from.
func (ps *PoolSet) Release(h *Handle) {
	size := h.Size()
	for _, p := range ps.pools {
		if p.SlotSize() == size {
			p.Release(h)
			return
		}
	}
}
