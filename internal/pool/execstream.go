package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// ExecStream is a scheduler backed by worker goroutines that drains one or
// more Pools. It plays the role spec.md assigns to an OS thread: each
// worker runs one Unit to completion at a time, so a Unit that blocks
// occupies exactly one of the ExecStream's workers until it's resumed —
// the same resource story a real OS-thread-backed ULT scheduler has.
//
// Workers is the OS-thread count; it defaults to 1, which also gives the
// strongest ordering guarantee (pops happen one at a time, so for a
// KindFIFO/KindFIFOWait pool, Unit start order matches enqueue order).
// With Workers > 1, pops still hand out units in enqueue order (pop itself
// is pool-lock-serialized) even though completion order is no longer
// guaranteed.
//
// Removal does not check that the pools it was draining are still covered
// by some other ExecStream — spec.md leaves that to the caller.
type ExecStream struct {
	name    string
	index   int
	owned   bool
	workers int

	mu      sync.Mutex
	pools   []*Pool
	refcount int32

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	// affinity, when non-empty, is the set of CPU ids each worker attempts
	// to pin itself to via sched_setaffinity (Linux only, best-effort).
	affinity []int
}

// Option configures an ExecStream at construction time.
type Option func(*ExecStream)

// WithWorkers sets the OS-thread count (default 1).
func WithWorkers(n int) Option {
	return func(e *ExecStream) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithAffinity sets the CPU ids worker goroutines attempt to pin to.
func WithAffinity(cpus []int) Option {
	return func(e *ExecStream) { e.affinity = cpus }
}

// NewExecStream creates an ExecStream that will drain pools once Start is called.
func NewExecStream(name string, index int, owned bool, pools []*Pool, opts ...Option) *ExecStream {
	e := &ExecStream{name: name, index: index, owned: owned, workers: 1, pools: append([]*Pool(nil), pools...)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ExecStream) Name() string    { return e.name }
func (e *ExecStream) Index() int      { return e.index }
func (e *ExecStream) Owned() bool     { return e.owned }
func (e *ExecStream) Refcount() int32 { return atomic.LoadInt32(&e.refcount) }
func (e *ExecStream) Acquire()        { atomic.AddInt32(&e.refcount, 1) }
func (e *ExecStream) Release()        { atomic.AddInt32(&e.refcount, -1) }

// Pools returns the list of pools this ExecStream currently drains.
func (e *ExecStream) Pools() []*Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pool(nil), e.pools...)
}

// AddPool appends a pool to drain. Safe to call after Start.
func (e *ExecStream) AddPool(p *Pool) {
	e.mu.Lock()
	e.pools = append(e.pools, p)
	e.mu.Unlock()
}

// Start launches the ExecStream's workers. Start is idempotent; calling it
// twice on an already-started ExecStream is a no-op.
func (e *ExecStream) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stop = make(chan struct{})
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		cpu := -1
		if i < len(e.affinity) {
			cpu = e.affinity[i]
		}
		go e.runWorker(cpu)
	}
}

// Join stops the ExecStream and waits for its workers to drain their
// current unit and exit. Units still queued (not yet popped) are left in
// their pools.
func (e *ExecStream) Join() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	stop := e.stop
	e.mu.Unlock()

	close(stop)
	e.wg.Wait()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

func (e *ExecStream) runWorker(cpu int) {
	defer e.wg.Done()
	if cpu >= 0 {
		pinToCPU(cpu)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stop
		cancel()
	}()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		u, pl, ok := e.popAny()
		if !ok {
			if !e.waitForWork(ctx) {
				return
			}
			continue
		}
		u.run()
		pl.Done()
	}
}

// popAny tries every drained pool once, always starting from the first pool
// in the list, returning the first runnable unit found.
func (e *ExecStream) popAny() (*Unit, *Pool, bool) {
	for _, p := range e.Pools() {
		if u, ok := p.TryPop(); ok {
			return u, p, true
		}
	}
	return nil, nil, false
}

// waitForWork blocks until some drained pool's notify channel fires, the
// stream is stopped, or ctx is done. Returns false when the caller should
// exit.
func (e *ExecStream) waitForWork(ctx context.Context) bool {
	pools := e.Pools()
	if len(pools) == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-e.stop:
			return false
		}
	}
	cases := make([]<-chan struct{}, 0, len(pools)+1)
	for _, p := range pools {
		cases = append(cases, p.notifyChan())
	}
	// A simple select over a small, fixed fan-in. ExecStreams typically
	// drain a handful of pools, so this beats building a reflect.Select
	// for the common case.
	switch len(cases) {
	case 1:
		select {
		case <-cases[0]:
		case <-ctx.Done():
			return false
		}
	default:
		// Poll with a short wait; with >1 pool we can't select on a
		// dynamic slice of channels without reflection, and reflection
		// for every idle wake-up is wasteful for a hot scheduler loop,
		// so multi-pool ExecStreams fall back to a brief timed wait.
		return waitAnyOrTimeout(ctx, cases)
	}
	return true
}
