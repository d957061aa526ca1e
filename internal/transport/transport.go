// Package transport binds the runtime's dispatch.Transport and
// bulk.Transport interfaces to a concrete wire: gRPC over TCP, or gRPC over
// AF_VSOCK (github.com/mdlayher/vsock) for same-host guest/host RPC, per
// SPEC_FULL.md §1's "concrete transport binding" addition. Every other
// package talks to the narrow interfaces dispatch.go/manager.go declare;
// this package is the only one that imports google.golang.org/grpc or
// mdlayher/vsock.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	gpeer "google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oriys/corerpc/internal/bulk"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/logging"
	"github.com/oriys/corerpc/internal/rpcid"
)

// ErrUnknownScheme is returned by Dial/Listen for an address this binding
// does not recognize.
var ErrUnknownScheme = errors.New("transport: unrecognized address scheme")

// splitAddr parses "grpc://host:port" or "vsock://cid:port" (mercury.address's
// protocol://host:port convention, per spec.md §6) into a net.Listen/grpc.Dial
// compatible (network, target) pair.
func splitAddr(addr string) (network, target string, err error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		// Bare host:port defaults to plain TCP gRPC.
		return "tcp", addr, nil
	}
	switch scheme {
	case "grpc", "tcp":
		return "tcp", rest, nil
	case "vsock":
		return "vsock", rest, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

func parseVsockTarget(target string) (cid, port uint32, err error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return 0, 0, fmt.Errorf("transport: invalid vsock address %q: %w", target, err)
	}
	c, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("transport: invalid vsock cid %q: %w", host, err)
	}
	p, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("transport: invalid vsock port %q: %w", portStr, err)
	}
	return uint32(c), uint32(p), nil
}

// listen opens a net.Listener for addr, dispatching to the vsock package
// for vsock:// addresses and the standard library for everything else.
func listen(addr string) (net.Listener, error) {
	network, target, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "vsock" {
		_, port, err := parseVsockTarget(target)
		if err != nil {
			return nil, err
		}
		return vsock.Listen(port, nil)
	}
	return net.Listen(network, target)
}

// dialContext is installed as a grpc.WithContextDialer so grpc.NewClient can
// reach a vsock:// target the same way it reaches a tcp one.
func dialContext(ctx context.Context, target string) (net.Conn, error) {
	network, addr, err := splitAddr(target)
	if err != nil {
		return nil, err
	}
	if network == "vsock" {
		cid, port, err := parseVsockTarget(addr)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Transport implements both dispatch.Transport (outbound Call) and
// bulk.Transport (PushBytes/PullBytes) over one gRPC binding, and hosts the
// inbound side of both when Serve is called. A single instance is meant to
// back one Instance: Serve listens for inbound forwards/bulk transfers,
// while Call/PushBytes/PullBytes originate outbound ones to peers.
type Transport struct {
	dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	server  *grpc.Server
	addr    string
	running bool
}

var _ dispatch.Transport = (*Transport)(nil)
var _ bulk.Transport = (*Transport)(nil)

// New creates a Transport. dispatcher may be nil for a client-only
// (outbound-only) instance that never serves inbound traffic, or when the
// Dispatcher isn't constructed yet — dispatch.New itself needs a Transport,
// so instance.go builds this first with a nil dispatcher and wires the real
// one in afterward via BindDispatcher.
func New(dispatcher *dispatch.Dispatcher) *Transport {
	return &Transport{dispatcher: dispatcher, conns: make(map[string]*grpc.ClientConn)}
}

// BindDispatcher attaches (or replaces) the Dispatcher that serves inbound
// calls. Safe to call before or after Serve starts.
func (t *Transport) BindDispatcher(d *dispatch.Dispatcher) {
	t.mu.Lock()
	t.dispatcher = d
	t.mu.Unlock()
}

// Serve starts accepting inbound connections on addr (a mercury.address
// string) and blocks until the listener is closed. Run it on its own
// goroutine; call Stop to shut it down.
func (t *Transport) Serve(addr string) error {
	lis, err := listen(addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		lis.Close()
		return errors.New("transport: already serving")
	}
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)
	t.addr = addr
	t.running = true
	t.mu.Unlock()

	logging.Op().Info("transport listening", "addr", addr)
	return t.server.Serve(lis)
}

// Stop gracefully shuts down the inbound server (if Serve was called) and
// closes every outbound connection this Transport opened.
func (t *Transport) Stop() {
	t.mu.Lock()
	srv := t.server
	t.running = false
	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	t.mu.Unlock()

	if srv != nil {
		srv.GracefulStop()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (t *Transport) connFor(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	_, target, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}

	c, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialContext(ctx, addr)
		}),
	)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if existing, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		c.Close()
		return existing, nil
	}
	t.conns[addr] = c
	t.mu.Unlock()
	return c, nil
}

func peerAddrFromContext(ctx context.Context) string {
	p, ok := gpeer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// --- outbound: dispatch.Transport ---

// Call implements dispatch.Transport, issuing the forward as a unary gRPC
// call to addr and blocking for the response or ctx cancellation.
func (t *Transport) Call(ctx context.Context, addr string, id rpcid.ID, breadcrumb uint64, payload []byte) ([]byte, error) {
	conn, err := t.connFor(addr)
	if err != nil {
		return nil, err
	}

	req := &wrapperspb.BytesValue{Value: encodeCallRequest(uint64(id), breadcrumb, payload)}
	resp := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Call", req, resp); err != nil {
		return nil, err
	}

	kind, out, err := decodeCallResponse(resp.Value)
	if err != nil {
		return nil, err
	}
	if kind != errNone {
		return nil, errForKind(kind)
	}
	return out, nil
}

// --- outbound: bulk.Transport ---

// PushBytes implements bulk.Transport, sending local to peerAddr for the
// remote handle peerBulk addresses. peerBulk is the serialized Handle
// descriptor produced by bulk.Serialize on the owning side; this side only
// needs its embedded id to let the remote route the bytes back to its own
// Handle via bulk.Lookup.
func (t *Transport) PushBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error {
	h, err := bulk.Deserialize(peerBulk)
	if err != nil {
		return err
	}

	conn, err := t.connFor(peerAddr)
	if err != nil {
		return err
	}

	req := &wrapperspb.BytesValue{Value: encodeBulkPushRequest(h.ID(), peerOff, local)}
	resp := new(wrapperspb.BytesValue)
	return conn.Invoke(ctx, "/"+serviceName+"/BulkPush", req, resp)
}

// PullBytes implements bulk.Transport, requesting len(local) bytes starting
// at peerOff from the remote handle peerBulk addresses, writing them into
// local.
func (t *Transport) PullBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error {
	h, err := bulk.Deserialize(peerBulk)
	if err != nil {
		return err
	}

	conn, err := t.connFor(peerAddr)
	if err != nil {
		return err
	}

	req := &wrapperspb.BytesValue{Value: encodeBulkPullRequest(h.ID(), peerOff, len(local))}
	resp := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, "/"+serviceName+"/BulkPull", req, resp); err != nil {
		return err
	}
	if len(resp.Value) != len(local) {
		return errors.New("transport: pull response size mismatch")
	}
	copy(local, resp.Value)
	return nil
}

// --- inbound: transportServer ---

func (t *Transport) handleCall(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	t.mu.Lock()
	d := t.dispatcher
	t.mu.Unlock()
	if d == nil {
		return nil, errors.New("transport: no dispatcher bound for inbound calls")
	}
	id, bc, payload, err := decodeCallRequest(req.Value)
	if err != nil {
		return nil, err
	}
	addr := peerAddrFromContext(ctx)

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	d.OnInbound(ctx, addr, rpcid.ID(id), bc, payload, func(output []byte, err error) {
		done <- result{output, err}
	})

	select {
	case r := <-done:
		return &wrapperspb.BytesValue{Value: encodeCallResponse(kindForErr(r.err), r.payload)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) handleBulkPush(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	handleID, offset, data, err := decodeBulkPushRequest(req.Value)
	if err != nil {
		return nil, err
	}
	h, ok := bulk.Lookup(handleID)
	if !ok {
		return nil, fmt.Errorf("transport: unknown bulk handle %d", handleID)
	}
	if err := h.WriteAt(offset, data); err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{}, nil
}

func (t *Transport) handleBulkPull(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	handleID, offset, size, err := decodeBulkPullRequest(req.Value)
	if err != nil {
		return nil, err
	}
	h, ok := bulk.Lookup(handleID)
	if !ok {
		return nil, fmt.Errorf("transport: unknown bulk handle %d", handleID)
	}
	out, err := h.ReadAt(offset, size)
	if err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{Value: out}, nil
}
