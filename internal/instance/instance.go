// Package instance wires every other internal package into the single
// object an embedder constructs: the Instance described throughout
// spec.md. It loads config, builds the Pool/ExecStream registry, the
// Registry/Dispatcher/Transport/Bulk Manager/Handle Cache/Finalize
// Orchestrator, and optionally the rate limiter and diagnostics emitter,
// then exposes the handful of operations spec.md §4 assigns to the
// Instance itself: init, register, forward (via the returned Dispatcher),
// elastic reconfiguration, diagnostics, and finalize.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/corerpc/internal/bulk"
	"github.com/oriys/corerpc/internal/cache"
	"github.com/oriys/corerpc/internal/circuitbreaker"
	"github.com/oriys/corerpc/internal/cloudaddr"
	"github.com/oriys/corerpc/internal/config"
	"github.com/oriys/corerpc/internal/diagnostics"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/finalize"
	"github.com/oriys/corerpc/internal/handlecache"
	"github.com/oriys/corerpc/internal/logging"
	"github.com/oriys/corerpc/internal/metrics"
	"github.com/oriys/corerpc/internal/observability"
	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/ratelimit"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/rpcid"
	"github.com/oriys/corerpc/internal/timer"
	"github.com/oriys/corerpc/internal/transport"
)

// timerSweepInterval bounds how long a fired Timer can sit past its
// deadline before the wheel notices. The teacher's transport is driven by
// real network I/O (goroutine-per-call via gRPC) rather than a manual
// poll loop, so there is no natural "after each progress step" hook to
// sweep the wheel from; a fixed-interval sweep goroutine stands in for it.
const timerSweepInterval = 5 * time.Millisecond

var (
	ErrUnknownPool     = errors.New("instance: unknown pool")
	ErrUnknownXStream  = errors.New("instance: unknown xstream")
	ErrDuplicatePool   = errors.New("instance: pool name already in use")
	ErrPoolStillInUse  = errors.New("instance: pool has nonzero refcount or pending work")
	ErrXStreamStillUse = errors.New("instance: xstream has nonzero refcount")
)

// Instance is the fully wired runtime object.
type Instance struct {
	cfg *config.Config

	mu       sync.RWMutex
	pools    map[string]*pool.Pool
	xstreams map[string]*pool.ExecStream

	registry      *registry.Registry
	orchestrator  *finalize.Orchestrator
	transport     *transport.Transport
	dispatcher    *dispatch.Dispatcher
	bulkManager   *bulk.Manager
	handleCache   *handlecache.Cache
	identityCache cache.Cache
	metrics       *metrics.Metrics
	rateLimiter   *ratelimit.Limiter
	diagnostics   *diagnostics.Emitter
	timerWheel    *timer.Wheel
	timerStop     chan struct{}
}

// New builds and starts an Instance from cfg. ExpandConveniences should
// already have been called on cfg (config.Load callers are expected to
// call it themselves, matching the teacher's pattern of keeping parse and
// defaulting-sugar as separate steps).
func New(cfg *config.Config) (*Instance, error) {
	inst := &Instance{
		cfg:      cfg,
		pools:    make(map[string]*pool.Pool),
		xstreams: make(map[string]*pool.ExecStream),
		metrics:  metrics.New(),
	}

	for i, spec := range cfg.Argobots.Pools {
		if _, exists := inst.pools[spec.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePool, spec.Name)
		}
		p := pool.New(spec.Name, i, poolKind(spec.Kind), poolAccess(spec.Access), true)
		inst.pools[spec.Name] = p
	}

	for i, spec := range cfg.Argobots.XStreams {
		var pools []*pool.Pool
		for _, name := range spec.Scheduler.Pools {
			p, ok := inst.pools[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s (referenced by xstream %s)", ErrUnknownPool, name, spec.Name)
			}
			pools = append(pools, p)
		}
		opts := []pool.Option{}
		if spec.CPUBind && len(spec.Affinity) > 0 {
			opts = append(opts, pool.WithAffinity(spec.Affinity))
		}
		xs := pool.NewExecStream(spec.Name, i, true, pools, opts...)
		xs.Start()
		inst.xstreams[spec.Name] = xs
	}

	inst.registry = registry.New(cfg.Mercury.Listening)
	inst.orchestrator = finalize.New(inst.stopAllXStreams)
	// Invalidating the registry must not itself issue RPCs, and every held
	// handle needs to see it take effect only once the progress loop (and
	// thus any in-flight inbound dispatch) has actually stopped — exactly
	// PushFinalize's cleanup-phase contract, not PushPrefinalize's.
	inst.orchestrator.PushFinalize(inst, func(any) { inst.registry.InvalidateAll() }, nil)
	inst.transport = transport.New(nil)
	inst.bulkManager = bulk.NewManager(inst.transport)
	inst.handleCache = handlecache.New(cfg.HandleCacheSize)
	inst.identityCache = newIdentityCache(cfg.HandleCache.RedisAddr)
	inst.timerWheel = timer.NewWheel()
	inst.timerStop = make(chan struct{})
	go inst.sweepTimers()

	defaultPool := inst.defaultPool()
	inst.dispatcher = dispatch.New(inst.registry, inst.transport, inst.orchestrator, defaultPool)
	inst.transport.BindDispatcher(inst.dispatcher)

	if cfg.Dispatch.CircuitBreaker {
		threshold := cfg.Dispatch.CircuitBreakerThreshold
		if threshold <= 0 {
			threshold = 5
		}
		inst.dispatcher.EnableCircuitBreaker(circuitbreaker.Config{
			ErrorPct:       float64(threshold),
			WindowDuration: 10 * time.Second,
			OpenDuration:   5 * time.Second,
			HalfOpenProbes: 1,
		})
	}

	// bulk.rate_limit_per_sec only takes effect once SetRateLimiter is
	// called with a Redis client the embedder owns (dialing Redis is not
	// this constructor's job); handle_cache.redis_addr, by contrast, is
	// dialed right here since identity memoization (ResolveIdentity) is a
	// read path every Instance can exercise immediately.

	if cfg.Mercury.Address == "" && cfg.Mercury.Listening {
		cfg.Mercury.Address = cloudaddr.ResolveOrEmpty(context.Background(), 0)
	}

	if cfg.Mercury.Address != "" {
		if cfg.Mercury.Listening {
			go func() {
				if err := inst.transport.Serve(cfg.Mercury.Address); err != nil {
					logging.Op().Error("transport serve exited", "error", err)
				}
			}()
		}
	}

	if cfg.EnableDiagnostics {
		sink, _, err := diagnostics.NewSink(cfg.Diagnostics.Sink)
		if err != nil {
			return nil, fmt.Errorf("instance: diagnostics sink: %w", err)
		}
		emitter, err := diagnostics.New(inst.metrics, inst, sink, cfg.DiagnosticsInterval())
		if err != nil {
			return nil, fmt.Errorf("instance: diagnostics emitter: %w", err)
		}
		emitter.Start()
		inst.diagnostics = emitter
	}

	if cfg.Tracing.OTLPEndpoint != "" {
		err := observability.Init(context.Background(), observability.Config{
			Enabled:     true,
			Exporter:    "otlp-http",
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			ServiceName: "corerpc",
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("instance: init tracing: %w", err)
		}
	}

	inst.registerShutdownRPC()
	inst.registerIdentityRPC()

	return inst, nil
}

func poolKind(s string) pool.Kind {
	switch s {
	case "fifo":
		return pool.KindFIFO
	case "earliest-first-wait":
		return pool.KindEarliestFirstWait
	default:
		return pool.KindFIFOWait
	}
}

func poolAccess(s string) pool.AccessMode {
	switch s {
	case "spsc":
		return pool.AccessSPSC
	case "mpsc":
		return pool.AccessMPSC
	case "spmc":
		return pool.AccessSPMC
	default:
		return pool.AccessMPMC
	}
}

// defaultPool returns __primary__ if present, else the first configured
// pool (ExpandConveniences guarantees at least one exists).
func (inst *Instance) defaultPool() *pool.Pool {
	if p, ok := inst.pools["__primary__"]; ok {
		return p
	}
	for _, p := range inst.pools {
		return p
	}
	return nil
}

// sweepTimers fires due timers on a fixed tick until Finalize stops it —
// spec.md §4.6's "after each progress step, walk the head" rule, adapted
// to a ticker since progress here is driven by the transport's own
// goroutines rather than an explicit poll step.
func (inst *Instance) sweepTimers() {
	t := time.NewTicker(timerSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-inst.timerStop:
			return
		case now := <-t.C:
			inst.timerWheel.Fire(now)
		}
	}
}

// ScheduleTimer links a new Timer into the instance's wheel to fire after
// ms milliseconds; p is the pool its callback is spawned on (nil runs the
// callback inline on the sweep goroutine).
func (inst *Instance) ScheduleTimer(callback timer.Callback, arg any, ms int64, p *pool.Pool) *timer.Timer {
	t := timer.New(callback, arg, p)
	_ = inst.timerWheel.Start(t, ms)
	return t
}

// CancelTimer cancels a timer scheduled via ScheduleTimer, blocking until
// no in-flight invocation of its callback remains.
func (inst *Instance) CancelTimer(t *timer.Timer) {
	inst.timerWheel.Cancel(t)
}

func (inst *Instance) stopAllXStreams() {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	for _, xs := range inst.xstreams {
		xs.Join()
	}
	inst.transport.Stop()
}

// Registry, Dispatcher, BulkManager, HandleCache, Orchestrator, Metrics,
// Transport expose the wired collaborators for callers (cmd/*, tests) that
// need to register RPCs, forward, or transfer bulk data directly.
func (inst *Instance) Registry() *registry.Registry      { return inst.registry }
func (inst *Instance) Dispatcher() *dispatch.Dispatcher   { return inst.dispatcher }
func (inst *Instance) BulkManager() *bulk.Manager         { return inst.bulkManager }
func (inst *Instance) HandleCache() *handlecache.Cache    { return inst.handleCache }
func (inst *Instance) Orchestrator() *finalize.Orchestrator { return inst.orchestrator }
func (inst *Instance) Metrics() *metrics.Metrics          { return inst.metrics }
func (inst *Instance) Transport() *transport.Transport    { return inst.transport }

// SetRateLimiter installs a rate limiter built against a Redis client the
// caller owns, activating admission control for bulk transfers per
// `bulk.rate_limit_per_sec`.
func (inst *Instance) SetRateLimiter(client *redis.Client) {
	if inst.cfg.Bulk.RateLimitPerSec <= 0 {
		return
	}
	tier := ratelimit.TierConfig{
		RequestsPerSecond: float64(inst.cfg.Bulk.RateLimitPerSec),
		BurstSize:         inst.cfg.Bulk.RateLimitPerSec,
	}
	inst.mu.Lock()
	inst.rateLimiter = ratelimit.New(client, map[string]ratelimit.TierConfig{ratelimit.PeerTier: tier}, tier)
	inst.mu.Unlock()
	inst.bulkManager.SetRateLimiter(inst.rateLimiter)
}

// RateLimiter returns the installed limiter, or nil if bulk.rate_limit_per_sec
// was not configured or SetRateLimiter was never called.
func (inst *Instance) RateLimiter() *ratelimit.Limiter {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.rateLimiter
}

// Pools implements diagnostics.PoolSizer.
func (inst *Instance) Pools() []*pool.Pool {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(inst.pools))
	for _, p := range inst.pools {
		out = append(out, p)
	}
	return out
}

// Diagnostics returns a point-in-time snapshot, matching spec.md §3's
// read-only diagnostics struct; nil if enable_diagnostics was not set.
func (inst *Instance) Diagnostics() *diagnostics.Snapshot {
	if inst.diagnostics == nil {
		return nil
	}
	snap := inst.diagnostics.Snapshot()
	return &snap
}

// Register adds an RPC to the registry, defaulting its pool to the
// Instance's default pool (__primary__ unless overridden) when p is nil —
// spec.md §4.2's RPC-to-pool routing policy.
func (inst *Instance) Register(name string, providerID uint16, in, out registry.Serializer, handler registry.Handler, p *pool.Pool) (rpcid.ID, error) {
	if p == nil {
		p = inst.defaultPool()
	}
	return inst.registry.Register(name, providerID, in, out, handler, p)
}

// AddPool implements elastic runtime reconfiguration: add a pool at run
// time (spec.md §4.9). name must be unused.
func (inst *Instance) AddPool(name string, kind pool.Kind, access pool.AccessMode) (*pool.Pool, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, exists := inst.pools[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePool, name)
	}
	p := pool.New(name, len(inst.pools), kind, access, true)
	inst.pools[name] = p
	return p, nil
}

// RemovePool removes a pool added at run time; refuses if the pool still
// has outstanding refcount or queued work, per spec.md §4.9's
// ErrNotPermitted contract (surfaced here as ErrPoolStillInUse).
func (inst *Instance) RemovePool(name string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p, ok := inst.pools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	if p.Refcount() != 0 {
		return ErrPoolStillInUse
	}
	if runnable, total := p.Sizes(); runnable != 0 || total != 0 {
		return ErrPoolStillInUse
	}
	delete(inst.pools, name)
	return nil
}

// AddXStream starts a new ExecStream draining the named pools.
func (inst *Instance) AddXStream(name string, poolNames []string, opts ...pool.Option) (*pool.ExecStream, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, exists := inst.xstreams[name]; exists {
		return nil, fmt.Errorf("instance: xstream name already in use: %s", name)
	}
	var pools []*pool.Pool
	for _, pn := range poolNames {
		p, ok := inst.pools[pn]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pn)
		}
		pools = append(pools, p)
	}
	xs := pool.NewExecStream(name, len(inst.xstreams), true, pools, opts...)
	xs.Start()
	inst.xstreams[name] = xs
	return xs, nil
}

// RemoveXStream joins and removes a run-time-added ExecStream; refuses if
// it still has outstanding refcount, per spec.md §4.9.
func (inst *Instance) RemoveXStream(name string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	xs, ok := inst.xstreams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownXStream, name)
	}
	if xs.Refcount() != 0 {
		return ErrXStreamStillUse
	}
	xs.Join()
	delete(inst.xstreams, name)
	return nil
}

// Finalize drives the Finalize Orchestrator's full shutdown sequence
// (spec.md §4.8), which in turn calls stopAllXStreams (joining every
// ExecStream and stopping the transport) once pending ops drain.
func (inst *Instance) Finalize() {
	if inst.diagnostics != nil {
		inst.diagnostics.Stop()
	}
	if inst.cfg.Tracing.OTLPEndpoint != "" {
		observability.Shutdown(context.Background())
	}
	if inst.identityCache != nil {
		inst.identityCache.Close()
	}
	inst.stopTimerSweep()
	inst.timerWheel.Shutdown()
	inst.orchestrator.Finalize()
}

// FinalizeAndWait finalizes and blocks until cleanup completes.
func (inst *Instance) FinalizeAndWait() {
	if inst.diagnostics != nil {
		inst.diagnostics.Stop()
	}
	if inst.cfg.Tracing.OTLPEndpoint != "" {
		observability.Shutdown(context.Background())
	}
	if inst.identityCache != nil {
		inst.identityCache.Close()
	}
	inst.stopTimerSweep()
	inst.timerWheel.Shutdown()
	inst.orchestrator.FinalizeAndWait()
}

// stopTimerSweep closes timerStop once, so Finalize and FinalizeAndWait may
// both be called (in either order, or concurrently).
func (inst *Instance) stopTimerSweep() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	select {
	case <-inst.timerStop:
	default:
		close(inst.timerStop)
	}
}

// Config returns the resolved configuration object backing get_config.
func (inst *Instance) Config() *config.Config { return inst.cfg }
