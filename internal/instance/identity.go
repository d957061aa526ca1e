package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/corerpc/internal/cache"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/request"
	"github.com/oriys/corerpc/internal/rpcid"
)

// identityCacheTTL bounds how long a memoized __identity__ result is
// trusted before ResolveIdentity re-issues the RPC.
const identityCacheTTL = 30 * time.Second

var identityRPCID = rpcid.Gen(registry.IdentityRPCName, rpcid.DefaultProvider)

// newIdentityCache builds the tiered cache backing ResolveIdentity when
// handle_cache.redis_addr is set, or nil if it isn't (identity lookups then
// always forward). L1 is in-process only; L2 is the shared Redis instance
// that lets a fleet of clients pointed at the same peers agree on one
// memoized identity string instead of each re-issuing __identity__.
func newIdentityCache(redisAddr string) cache.Cache {
	if redisAddr == "" {
		return nil
	}
	l1 := cache.NewInMemoryCache()
	l2 := cache.NewRedisCache(cache.RedisCacheConfig{Addr: redisAddr})
	return cache.NewTieredCache(l1, l2, identityCacheTTL)
}

// ResolveIdentity returns the peer's __identity__ string, serving a
// memoized value from the handle cache's Redis L2 when one is configured
// and fresh rather than re-issuing the RPC for every caller.
func (inst *Instance) ResolveIdentity(ctx context.Context, addr string) (string, error) {
	if inst.identityCache != nil {
		if v, err := inst.identityCache.Get(ctx, addr); err == nil {
			return string(v), nil
		}
	}

	h := dispatch.NewHandle(addr, identityRPCID)
	status, out, err := inst.dispatcher.Forward(ctx, h, nil)
	if err != nil {
		return "", fmt.Errorf("instance: resolve identity for %s: %w", addr, err)
	}
	if status != request.StatusOK {
		return "", fmt.Errorf("instance: resolve identity for %s: status %v", addr, status)
	}

	if inst.identityCache != nil {
		_ = inst.identityCache.Set(ctx, addr, out, identityCacheTTL)
	}
	return string(out), nil
}

// IdentityCache exposes the memoization cache for diagnostics/invalidation
// wiring (e.g. a CacheInvalidator); nil if handle_cache.redis_addr is unset.
func (inst *Instance) IdentityCache() cache.Cache { return inst.identityCache }
