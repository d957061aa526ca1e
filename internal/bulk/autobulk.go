package bulk

import (
	"context"
	"sync"
	"time"
)

// AutoBulk wraps a local or remote bulk handle with lazy mirroring: the
// first Access call materializes a contiguous local buffer (pulling it from
// the peer if this AutoBulk was constructed from a remote descriptor), and
// Destroy pushes it back if configured to do so. spec.md §4.5.
type AutoBulk struct {
	mgr      *Manager
	peerAddr string
	peerBulk []byte // serialized remote handle, nil if this AutoBulk is already local
	peerOff  int
	size     int

	pullOnAccess bool
	pushOnDestroy bool

	mu     sync.Mutex
	local  *Handle
	synced bool // true once the local mirror reflects the peer's current content
}

// NewLocal wraps an already-local handle: Access never pulls, Destroy
// optionally pushes on teardown.
func NewLocal(mgr *Manager, local *Handle, pushOnDestroy bool) *AutoBulk {
	return &AutoBulk{mgr: mgr, local: local, synced: true, pushOnDestroy: pushOnDestroy}
}

// NewRemote wraps a peer's serialized bulk descriptor: Access lazily
// allocates a local mirror sized to match and, if pullOnAccess is set,
// populates it from the peer before first use.
func NewRemote(mgr *Manager, peerAddr string, peerBulk []byte, peerOff, size int, pullOnAccess, pushOnDestroy bool) *AutoBulk {
	return &AutoBulk{
		mgr: mgr, peerAddr: peerAddr, peerBulk: peerBulk, peerOff: peerOff, size: size,
		pullOnAccess: pullOnAccess, pushOnDestroy: pushOnDestroy,
	}
}

// Access returns a pointer+size to the mirror buffer, pulling from the peer
// first if this is a remote AutoBulk on its first access.
func (a *AutoBulk) Access(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.local == nil {
		h, err := Create([]Segment{{Addr: make([]byte, a.size), Len: a.size}}, ReadWrite, MemHost)
		if err != nil {
			return nil, err
		}
		a.local = h
	}
	if !a.synced && a.pullOnAccess && a.peerBulk != nil {
		if err := a.mgr.Transfer(ctx, Pull, a.peerAddr, a.peerBulk, a.peerOff, a.local, 0, a.size, 0); err != nil {
			return nil, err
		}
	}
	a.synced = true
	return a.local.segments[0].Addr, nil
}

// Destroy pushes the mirror back to the peer (if configured and this is a
// remote AutoBulk) and releases the local handle's reference.
func (a *AutoBulk) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return nil
	}
	var err error
	if a.pushOnDestroy && a.peerBulk != nil {
		err = a.mgr.Transfer(ctx, Push, a.peerAddr, a.peerBulk, a.peerOff, a.local, 0, a.size, 0)
	}
	a.local.Release()
	a.local = nil
	return err
}

// DestroyWithTimeout is Destroy bounded by a deadline, for callers that want
// teardown to never hang indefinitely on an unresponsive peer.
func (a *AutoBulk) DestroyWithTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return a.Destroy(ctx)
}
