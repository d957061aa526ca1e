// Package registry implements the RPC Registry: name/provider_id keyed
// RpcRegistration entries, the identity RPC special case, and lazy
// provider-multiplexed registration copy-on-first-use. spec.md §4.3.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/rpcid"
)

// Serializer marshals/unmarshals one RPC's wire payload. The registry
// itself never invokes these — dispatch does — but holds them so dispatch
// can find them by id.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Handler is a registered RPC's business logic.
type Handler func(ctx Context) error

// Context is the narrow view a Handler gets of its invocation; dispatch
// constructs the concrete implementation.
type Context interface {
	Context() context.Context
	Input() []byte
	Respond(output []byte) error
	RespondError(err error) error
}

var (
	ErrAlreadyRegistered = errors.New("registry: name already registered for this provider")
	ErrNotListening      = errors.New("registry: instance is not in listening mode")
	ErrNotFound          = errors.New("registry: no registration for id")
)

// Registration is one RpcRegistration entry.
type Registration struct {
	Name             string
	ProviderID       uint16
	ID               rpcid.ID
	In, Out          Serializer
	Handler          Handler
	Pool             *pool.Pool // nil → default handler pool
	ResponseDisabled bool
	UserData         any
	UserDataFree     func(any)
}

// key identifies a registration independent of the packed id, for the
// already-registered check (spec.md: "at most one registration per (name,
// provider_id) pair").
type key struct {
	name       string
	providerID uint16
}

// Registry is the per-Instance RPC table.
type Registry struct {
	listening bool

	mu    sync.RWMutex
	byKey map[key]*Registration
	byID  map[rpcid.ID]*Registration
}

// New creates an empty Registry. listening controls whether Register
// (handler registration) is permitted — spec.md: "registering a handler on
// an instance not in listening mode" fails; clients that only originate
// calls never set this.
func New(listening bool) *Registry {
	return &Registry{
		listening: listening,
		byKey:     make(map[key]*Registration),
		byID:      make(map[rpcid.ID]*Registration),
	}
}

// Register adds a new RpcRegistration, returning its packed id. providerID
// of rpcid.DefaultProvider means "don't care about multiplexing."
func (r *Registry) Register(name string, providerID uint16, in, out Serializer, handler Handler, p *pool.Pool) (rpcid.ID, error) {
	if handler != nil && !r.listening {
		return 0, ErrNotListening
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{name: name, providerID: providerID}
	if _, exists := r.byKey[k]; exists {
		return 0, ErrAlreadyRegistered
	}

	id := rpcid.Gen(name, providerID)

	reg := &Registration{Name: name, ProviderID: providerID, ID: id, In: in, Out: out, Handler: handler, Pool: p}
	r.byKey[k] = reg
	r.byID[id] = reg
	return id, nil
}

// Lookup finds a registration by its packed id.
func (r *Registry) Lookup(id rpcid.ID) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// LookupName reports the packed id for a registered (name, providerID) pair
// and whether it exists — the registered_name property from spec.md §9.
func (r *Registry) LookupName(name string, providerID uint16) (rpcid.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKey[key{name: name, providerID: providerID}]
	if !ok {
		return 0, false
	}
	return reg.ID, true
}

// EnsureMultiplexed returns the registration for (base registration's name,
// providerID), lazily registering it by copying the base registration's
// serializers and response-disabled flag if the transport has no entry for
// the multiplexed id yet — spec.md §4.3's provider-multiplexed-forward lazy
// registration rule. base must already be registered (typically under
// rpcid.DefaultProvider).
func (r *Registry) EnsureMultiplexed(base *Registration, providerID uint16) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{name: base.Name, providerID: providerID}
	if reg, ok := r.byKey[k]; ok {
		return reg
	}
	id := rpcid.Mux(base.ID, providerID)
	reg := &Registration{
		Name: base.Name, ProviderID: providerID, ID: id,
		In: base.In, Out: base.Out, Handler: base.Handler, Pool: base.Pool,
		ResponseDisabled: base.ResponseDisabled,
	}
	r.byKey[k] = reg
	r.byID[id] = reg
	return reg
}

// SetUserData attaches opaque user data (and the callback that frees it) to
// an existing registration, mirroring mochi-margo's margo_register_data:
// the data rides alongside the registration until Deregister or
// InvalidateAll removes it, at which point free(data) runs exactly once.
// Reports false if id has no registration.
func (r *Registry) SetUserData(id rpcid.ID, data any, free func(any)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	reg.UserData = data
	reg.UserDataFree = free
	return true
}

// freeUserDataLocked runs reg's free callback, if any, against its current
// user data. Caller holds r.mu.
func freeUserDataLocked(reg *Registration) {
	if reg.UserDataFree != nil {
		reg.UserDataFree(reg.UserData)
	}
}

// Deregister removes the registration for id, so a held handle's
// subsequent forward sees not-found. Any user data attached via
// SetUserData is freed first.
func (r *Registry) Deregister(id rpcid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byID[id]; ok {
		freeUserDataLocked(reg)
		delete(r.byID, id)
		delete(r.byKey, key{name: reg.Name, providerID: reg.ProviderID})
	}
}

// InvalidateAll clears every registration — called once by finalize,
// freeing each registration's user data (if any) first.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.byID {
		freeUserDataLocked(reg)
	}
	r.byID = make(map[rpcid.ID]*Registration)
	r.byKey = make(map[key]*Registration)
}

// IdentityRPCName is the reserved internal RPC name spec.md §4.3 defines
// for get_identity.
const IdentityRPCName = "__identity__"

// RegisterIdentity publishes name as this provider's identity string,
// served by the internal __identity__ RPC.
func (r *Registry) RegisterIdentity(providerID uint16, name string) (rpcid.ID, error) {
	return r.Register(IdentityRPCName, providerID, nil, nil, func(ctx Context) error {
		return ctx.Respond([]byte(name))
	}, nil)
}

// ShutdownRPCName is the reserved internal RPC name for remote shutdown
// (spec.md §4.10).
const ShutdownRPCName = "__shutdown__"
