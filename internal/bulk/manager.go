package bulk

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/corerpc/internal/ratelimit"
	"github.com/oriys/corerpc/internal/request"
)

// ErrRateLimited is returned by Transfer when a configured rate limiter
// rejects the transfer; statusFor maps it to request.StatusCancelled.
var ErrRateLimited = errors.New("bulk: transfer rejected by rate limiter")

// RateLimiter is the narrow admission-control capability Manager needs;
// *ratelimit.Limiter satisfies it via AllowBulkTransfer.
type RateLimiter interface {
	AllowBulkTransfer(ctx context.Context, addr string) (ratelimit.Result, error)
}

// Op selects transfer direction in a Transfer call.
type Op int

const (
	Push Op = iota
	Pull
)

// Transport is the narrow byte-mover bulk needs from the owning Instance's
// wire layer: move size bytes between a local window and a peer's window.
// The real binding (internal/transport) implements this over whatever
// network the Instance was built with; see the package doc for why that's a
// two-sided send/receive rather than real RDMA.
type Transport interface {
	// PushBytes sends local[:size] to peerAddr, to be written at peerOff
	// into the bulk handle peerBulk identifies on the remote side.
	PushBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error
	// PullBytes requests size bytes starting at peerOff from the bulk
	// handle peerBulk identifies on peerAddr, writing them into local.
	PullBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error
}

// Manager is the per-Instance Bulk Manager: it validates transfers against
// handle permissions/bounds and drives them over a Transport.
type Manager struct {
	transport   Transport
	rateLimiter RateLimiter
}

// NewManager binds a Manager to the transport it will move bytes over.
func NewManager(t Transport) *Manager {
	return &Manager{transport: t}
}

// SetRateLimiter installs per-peer admission control for Transfer, per
// `bulk.rate_limit_per_sec`. A nil limiter (the default) disables it.
func (m *Manager) SetRateLimiter(l RateLimiter) {
	m.rateLimiter = l
}

// Transfer performs a blocking push or pull. peerBulk is the serialized
// remote handle (as produced by Serialize on the peer); localBulk is this
// side's handle. Returns once the transfer completes or timeout elapses (a
// zero timeout means no deadline beyond ctx).
func (m *Manager) Transfer(ctx context.Context, op Op, peerAddr string, peerBulk []byte, peerOff int, localBulk *Handle, localOff, size int, timeout time.Duration) error {
	local, err := localBulk.sliceAt(localOff, size)
	if err != nil {
		return err
	}
	if err := checkPermission(localBulk, op); err != nil {
		return err
	}
	if m.rateLimiter != nil {
		res, err := m.rateLimiter.AllowBulkTransfer(ctx, peerAddr)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return ErrRateLimited
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	switch op {
	case Push:
		return m.transport.PushBytes(ctx, peerAddr, peerBulk, peerOff, local)
	case Pull:
		return m.transport.PullBytes(ctx, peerAddr, peerBulk, peerOff, local)
	default:
		return ErrPermission
	}
}

// checkPermission enforces that a Push only reads from a handle that allows
// read access and a Pull only writes into a handle that allows write access.
func checkPermission(h *Handle, op Op) error {
	switch op {
	case Push:
		if h.permission == WriteOnly {
			return ErrPermission
		}
	case Pull:
		if h.permission == ReadOnly {
			return ErrPermission
		}
	}
	return nil
}

// TransferAsync starts a transfer and returns immediately with a Request the
// caller can Wait on later — the ibulk_transfer form.
func (m *Manager) TransferAsync(ctx context.Context, op Op, peerAddr string, peerBulk []byte, peerOff int, localBulk *Handle, localOff, size int, timeout time.Duration) *request.Request {
	r := request.New(request.TypeBulk)
	go func() {
		err := m.Transfer(ctx, op, peerAddr, peerBulk, peerOff, localBulk, localOff, size, timeout)
		r.Complete(statusFor(err), nil)
	}()
	return r
}

// TransferCallback starts a transfer and invokes done on completion instead
// of handing back a Request — the cbulk_transfer form. done runs on its own
// goroutine, never on the progress ULT, so it may safely block; callers that
// need the progress-ULT re-entrancy restriction from spec.md §7 should keep
// done itself minimal regardless.
func (m *Manager) TransferCallback(ctx context.Context, op Op, peerAddr string, peerBulk []byte, peerOff int, localBulk *Handle, localOff, size int, timeout time.Duration, done func(error)) {
	go func() {
		err := m.Transfer(ctx, op, peerAddr, peerBulk, peerOff, localBulk, localOff, size, timeout)
		done(err)
	}()
}

func statusFor(err error) request.Status {
	switch err {
	case nil:
		return request.StatusOK
	case ErrPermission:
		return request.StatusPermissionDenied
	case ErrRateLimited:
		return request.StatusCancelled
	case context.DeadlineExceeded:
		return request.StatusTimeout
	case context.Canceled:
		return request.StatusCancelled
	default:
		return request.StatusOther
	}
}
