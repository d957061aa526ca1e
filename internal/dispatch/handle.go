package dispatch

import (
	"sync/atomic"

	"github.com/oriys/corerpc/internal/rpcid"
)

// responder is how an inbound Handle posts its reply back to the peer that
// issued the request — supplied by the transport layer when a request
// arrives, consumed by Respond/IRespond/CRespond.
type responder func(output []byte, err error)

// Handle is a reference to an in-flight or idle RPC target, spec.md §3's
// Handle type. An outbound Handle (made with NewHandle) names a peer
// address and rpc id to forward to; an inbound Handle (made by OnInbound)
// additionally carries the responder needed to reply to the request it
// arrived with.
type Handle struct {
	addr     string
	id       rpcid.ID
	refcount int32

	userData any
	userFree func(any)

	fromCache bool
	respond   responder
}

// NewHandle creates an outbound Handle targeting addr/id with refcount 1.
func NewHandle(addr string, id rpcid.ID) *Handle {
	return &Handle{addr: addr, id: id, refcount: 1}
}

func (h *Handle) Acquire() { atomic.AddInt32(&h.refcount, 1) }

// Release decrements the refcount and returns the value after decrement.
func (h *Handle) Release() int32 { return atomic.AddInt32(&h.refcount, -1) }

func (h *Handle) Refcount() int32 { return atomic.LoadInt32(&h.refcount) }

func (h *Handle) Addr() string  { return h.addr }
func (h *Handle) ID() rpcid.ID  { return h.id }

// SetID resets the handle to target a different rpc id without reallocating
// it — used to reset a handle to a provider-specific id before a
// provider-multiplexed forward (spec.md §4.4).
func (h *Handle) SetID(id rpcid.ID) { h.id = id }

// SetAddr retargets the handle to a different peer address — what the
// handle cache does on a create(addr, id) hit.
func (h *Handle) SetAddr(addr string) { h.addr = addr }

// IsInbound reports whether this handle carries a live responder (i.e. it
// was produced by an inbound request rather than created by the caller to
// originate one).
func (h *Handle) IsInbound() bool { return h.respond != nil }

func (h *Handle) SetUserData(v any, free func(any)) {
	h.userData = v
	h.userFree = free
}

func (h *Handle) UserData() any { return h.userData }

// Destroy runs the user-data free callback, if any. Return of a
// cache-originated handle to the cache is the caller's responsibility (see
// internal/handlecache) — Destroy here only tears down user state.
func (h *Handle) Destroy() {
	if h.userFree != nil {
		h.userFree(h.userData)
		h.userData, h.userFree = nil, nil
	}
}
