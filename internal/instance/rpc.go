package instance

import (
	"context"
	"fmt"

	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/request"
	"github.com/oriys/corerpc/internal/rpcid"
)

var shutdownRPCID = rpcid.Gen(registry.ShutdownRPCName, rpcid.DefaultProvider)

// registerIdentityRPC publishes mercury.address (or "unknown" if unset) as
// this instance's identity string, served by the reserved __identity__ RPC
// spec.md §4.3 describes.
func (inst *Instance) registerIdentityRPC() {
	name := inst.cfg.Mercury.Address
	if name == "" {
		name = "unknown"
	}
	inst.registry.RegisterIdentity(rpcid.DefaultProvider, name)
}

// registerShutdownRPC wires the reserved __shutdown__ RPC (spec.md §4.10,
// remote shutdown control) to the Instance's own Finalize, responding
// before finalize actually begins draining so the caller sees the ack.
// Without enable_remote_shutdown opted in, the handler does nothing but
// respond with a permission-denied error — spec.md §4.10's opt-in gate.
func (inst *Instance) registerShutdownRPC() {
	inst.registry.Register(registry.ShutdownRPCName, rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		if !inst.cfg.EnableRemoteShutdown {
			return ctx.RespondError(dispatch.ErrPermissionDenied)
		}
		if err := ctx.Respond(nil); err != nil {
			return err
		}
		go inst.Finalize()
		return nil
	}, nil)
}

// ShutdownRemoteInstance forwards a __shutdown__ request to the listening
// instance at addr, returning an error unless it acks — which it only does
// when that instance opted in via enable_remote_shutdown.
func (inst *Instance) ShutdownRemoteInstance(ctx context.Context, addr string) error {
	h := dispatch.NewHandle(addr, shutdownRPCID)
	status, _, err := inst.dispatcher.Forward(ctx, h, nil)
	if err != nil {
		return fmt.Errorf("instance: shutdown remote %s: %w", addr, err)
	}
	if status != request.StatusOK {
		return fmt.Errorf("instance: shutdown remote %s: status %v", addr, status)
	}
	return nil
}
