// Package dispatch implements inbound demultiplexing and outbound
// forward/respond described in spec.md §4.4: an arriving request is looked
// up by rpc id and spawned as a Unit on its registered pool; an outbound
// forward posts through a Transport and completes a Request, optionally
// bounded by a context deadline for the timed variant.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/corerpc/internal/breadcrumb"
	"github.com/oriys/corerpc/internal/circuitbreaker"
	"github.com/oriys/corerpc/internal/finalize"
	"github.com/oriys/corerpc/internal/metrics"
	"github.com/oriys/corerpc/internal/observability"
	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/request"
	"github.com/oriys/corerpc/internal/rpcid"
)

var (
	ErrPermissionDenied = errors.New("dispatch: instance is finalizing")
	ErrNotInboundHandle = errors.New("dispatch: handle was not produced by an inbound request")
)

// Transport is the narrow RPC-call capability dispatch needs from the wire
// layer. Call blocks until a response arrives or ctx is done — cancelling
// ctx is this runtime's substitute for the reference design's explicit
// transport-level cancel operation, since a Go context already carries
// deadline and cancellation through a blocking call.
type Transport interface {
	Call(ctx context.Context, addr string, id rpcid.ID, breadcrumb uint64, payload []byte) ([]byte, error)
}

// Dispatcher is the per-Instance forward/respond/inbound-demux engine.
type Dispatcher struct {
	reg          *registry.Registry
	transport    Transport
	orchestrator *finalize.Orchestrator
	defaultPool  *pool.Pool

	breakerMu  sync.RWMutex
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
}

// New binds a Dispatcher to its Registry, Transport, Finalize Orchestrator
// (for the pending-op gate), and default handler pool (used by
// registrations that didn't specify one).
func New(reg *registry.Registry, transport Transport, orch *finalize.Orchestrator, defaultPool *pool.Pool) *Dispatcher {
	return &Dispatcher{reg: reg, transport: transport, orchestrator: orch, defaultPool: defaultPool}
}

// EnableCircuitBreaker turns on per-(peer, rpc id) circuit breaking for
// outbound forwards, per dispatch.circuit_breaker/circuit_breaker_threshold.
// cfg.ErrorPct of 0 (the zero value) leaves breaking disabled.
func (d *Dispatcher) EnableCircuitBreaker(cfg circuitbreaker.Config) {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	d.breakers = circuitbreaker.NewRegistry()
	d.breakerCfg = cfg
}

func breakerKey(addr string, id rpcid.ID) string {
	return fmt.Sprintf("%s|%d", addr, id)
}

func statusFromErr(err error) request.Status {
	switch {
	case err == nil:
		return request.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return request.StatusTimeout
	case errors.Is(err, context.Canceled):
		return request.StatusCancelled
	case errors.Is(err, ErrPermissionDenied):
		return request.StatusPermissionDenied
	case errors.Is(err, registry.ErrNotFound):
		return request.StatusNotFound
	default:
		return request.StatusOther
	}
}

// doForward stamps the outbound breadcrumb, optionally bounds the call with
// timeoutMs, posts through the transport on its own goroutine, and completes
// r. If onDone is non-nil it runs right after completion, on the same
// goroutine — the closest analog this model has to "runs inline on the
// progress ULT" for cforward, since there is no single shared progress
// goroutine every completion funnels through.
func (d *Dispatcher) doForward(ctx context.Context, h *Handle, input []byte, timeoutMs int64, onDone func(request.Status, []byte)) *request.Request {
	r := request.New(request.TypeForward)
	crumb, _ := breadcrumb.Get(ctx)
	outCrumb := crumb.Next(h.id)

	d.breakerMu.RLock()
	breakers, cfg := d.breakers, d.breakerCfg
	d.breakerMu.RUnlock()
	var breaker *circuitbreaker.Breaker
	rpcName := fmt.Sprintf("%d", h.ID())
	if breakers != nil {
		breaker = breakers.Get(breakerKey(h.Addr(), h.ID()), cfg)
	}
	if breaker != nil && !breaker.Allow() {
		if pm := metrics.Global(); pm != nil {
			pm.SetCircuitBreakerState(h.Addr(), rpcName, int(breaker.State()))
		}
		// An open breaker means the call was aborted before a transport
		// round trip was attempted, same as a cancelled forward.
		r.Complete(request.StatusCancelled, nil)
		if onDone != nil {
			onDone(request.StatusCancelled, nil)
		}
		return r
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	}
	go func() {
		if cancel != nil {
			defer cancel()
		}
		spanCtx, span := observability.StartSpan(callCtx, "corerpc.forward",
			observability.AttrRPCID.Int64(int64(h.ID())),
			observability.AttrPeerAddr.String(h.Addr()),
			observability.AttrBreadcrumb.Int64(int64(outCrumb)),
		)
		out, err := d.transport.Call(spanCtx, h.Addr(), h.ID(), uint64(outCrumb), input)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		span.End()
		st := statusFromErr(err)
		if breaker != nil {
			stateBefore := breaker.State()
			if err == nil {
				breaker.RecordSuccess()
			} else {
				breaker.RecordFailure()
			}
			if pm := metrics.Global(); pm != nil {
				stateAfter := breaker.State()
				pm.SetCircuitBreakerState(h.Addr(), rpcName, int(stateAfter))
				if stateBefore != circuitbreaker.StateOpen && stateAfter == circuitbreaker.StateOpen {
					pm.ObserveCircuitBreakerTrip(h.Addr(), rpcName)
				}
			}
		}
		r.Complete(st, out)
		if onDone != nil {
			onDone(st, out)
		}
	}()
	return r
}

// Forward posts input to h and blocks until the response arrives, with no
// deadline beyond ctx.
func (d *Dispatcher) Forward(ctx context.Context, h *Handle, input []byte) (request.Status, []byte, error) {
	r := d.doForward(ctx, h, input, 0, nil)
	return r.Wait(ctx)
}

// ForwardTimed is Forward bounded additionally by timeoutMs; 0 behaves as
// Forward (spec.md §9: "forward_timed(..., 0) behaves as forward").
func (d *Dispatcher) ForwardTimed(ctx context.Context, h *Handle, input []byte, timeoutMs int64) (request.Status, []byte, error) {
	r := d.doForward(ctx, h, input, timeoutMs, nil)
	return r.Wait(ctx)
}

// IForward is the non-blocking ("async") forward: returns a Request the
// caller waits on later.
func (d *Dispatcher) IForward(ctx context.Context, h *Handle, input []byte, timeoutMs int64) *request.Request {
	return d.doForward(ctx, h, input, timeoutMs, nil)
}

// CForward is the callback variant: cb runs once the forward completes, on
// the goroutine that observed completion. Per spec.md §7, cb must be short
// and non-blocking and must not issue further RPCs or acquire
// suspend-holding locks.
func (d *Dispatcher) CForward(ctx context.Context, h *Handle, input []byte, timeoutMs int64, cb func(status request.Status, output []byte)) {
	d.doForward(ctx, h, input, timeoutMs, cb)
}

// Respond posts output on h's responder and blocks until it's posted.
// Responses carry no timeout (spec.md §4.4: peer-observable completion is
// immediate on-wire).
func (d *Dispatcher) Respond(h *Handle, output []byte) error {
	if !h.IsInbound() {
		return ErrNotInboundHandle
	}
	h.respond(output, nil)
	return nil
}

// IRespond is the non-blocking respond, returning a Request.
func (d *Dispatcher) IRespond(h *Handle, output []byte) *request.Request {
	r := request.New(request.TypeRespond)
	if !h.IsInbound() {
		r.Complete(request.StatusOther, nil)
		return r
	}
	go func() {
		h.respond(output, nil)
		r.Complete(request.StatusOK, nil)
	}()
	return r
}

// CRespond is the callback variant of respond.
func (d *Dispatcher) CRespond(h *Handle, output []byte, cb func(request.Status)) {
	if !h.IsInbound() {
		cb(request.StatusOther)
		return
	}
	go func() {
		h.respond(output, nil)
		cb(request.StatusOK)
	}()
}

// ResetForProvider retargets h to providerID's rpc id, lazily registering a
// copy of base's serializers/response-disabled flag on this provider if the
// registry has no entry for it yet — spec.md §4.4's provider-multiplexed
// forward rule.
func (d *Dispatcher) ResetForProvider(h *Handle, base *registry.Registration, providerID uint16) *registry.Registration {
	reg := d.reg.EnsureMultiplexed(base, providerID)
	h.SetID(reg.ID)
	return reg
}

// OnInbound is called by the transport layer when a request for id arrives
// from addr carrying breadcrumb bc and payload. It enforces the pending-op
// gate, looks the id up, and spawns the handler as a Unit on its registered
// pool (or the Dispatcher's default pool).
func (d *Dispatcher) OnInbound(ctx context.Context, addr string, id rpcid.ID, bc uint64, payload []byte, respond responder) {
	if !d.orchestrator.BeginOp() {
		respond(nil, ErrPermissionDenied)
		return
	}
	reg, ok := d.reg.Lookup(id)
	if !ok {
		d.orchestrator.EndOp()
		respond(nil, registry.ErrNotFound)
		return
	}

	h := &Handle{addr: addr, id: id, refcount: 1, respond: respond}
	p := reg.Pool
	if p == nil {
		p = d.defaultPool
	}
	unitCtx := breadcrumb.Set(ctx, breadcrumb.Crumb(bc))
	unitCtx, span := observability.StartServerSpan(unitCtx, "corerpc.inbound",
		observability.AttrRPCID.Int64(int64(id)),
		observability.AttrPeerAddr.String(addr),
		observability.AttrBreadcrumb.Int64(int64(bc)),
	)

	p.Push(func() {
		defer d.orchestrator.EndOp()
		defer span.End()
		hc := &handlerContext{ctx: unitCtx, input: payload, handle: h, dispatcher: d}
		if err := reg.Handler(hc); err != nil && !hc.responded {
			observability.SetSpanError(span, err)
			h.respond(nil, err)
		} else {
			observability.SetSpanOK(span)
		}
	})
}

// handlerContext is the registry.Context a spawned handler Unit observes.
type handlerContext struct {
	ctx        context.Context
	input      []byte
	handle     *Handle
	dispatcher *Dispatcher
	responded  bool
}

func (c *handlerContext) Context() context.Context { return c.ctx }

func (c *handlerContext) Input() []byte { return c.input }

func (c *handlerContext) Respond(output []byte) error {
	c.responded = true
	return c.dispatcher.Respond(c.handle, output)
}

func (c *handlerContext) RespondError(err error) error {
	c.responded = true
	if !c.handle.IsInbound() {
		return ErrNotInboundHandle
	}
	c.handle.respond(nil, err)
	return nil
}

var _ registry.Context = (*handlerContext)(nil)
