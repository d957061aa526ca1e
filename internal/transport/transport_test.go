package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oriys/corerpc/internal/bulk"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/finalize"
	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/rpcid"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return "grpc://" + addr
}

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *registry.Registry) {
	t.Helper()
	p := pool.New("__primary__", 0, pool.KindFIFOWait, pool.AccessMPMC, true)
	xs := pool.NewExecStream("es0", 0, true, []*pool.Pool{p}, pool.WithWorkers(2))
	xs.Start()
	t.Cleanup(func() { xs.Join() })

	reg := registry.New(true)
	orch := finalize.New(func() {})
	return dispatch.New(reg, nil, orch, p), reg
}

func TestTransportCallRoundTrip(t *testing.T) {
	serverDispatcher, reg := newDispatcher(t)
	reg.Register("echo", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond(append([]byte("echo:"), ctx.Input()...))
	}, nil)

	serverTransport := New(serverDispatcher)
	addr := freeTCPAddr(t)
	go serverTransport.Serve(addr)
	t.Cleanup(serverTransport.Stop)
	waitForListener(t, addr)

	clientTransport := New(nil)
	t.Cleanup(clientTransport.Stop)

	id, _ := reg.LookupName("echo", rpcid.DefaultProvider)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := clientTransport.Call(ctx, addr, id, 0, []byte("hi"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != "echo:hi" {
		t.Fatalf("got %q, want %q", out, "echo:hi")
	}
}

func TestTransportCallUnknownRPCReturnsNotFound(t *testing.T) {
	serverDispatcher, _ := newDispatcher(t)
	serverTransport := New(serverDispatcher)
	addr := freeTCPAddr(t)
	go serverTransport.Serve(addr)
	t.Cleanup(serverTransport.Stop)
	waitForListener(t, addr)

	clientTransport := New(nil)
	t.Cleanup(clientTransport.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := clientTransport.Call(ctx, addr, rpcid.Gen("nonexistent", rpcid.DefaultProvider), 0, nil)
	if err != registry.ErrNotFound {
		t.Fatalf("got %v, want registry.ErrNotFound", err)
	}
}

func TestTransportBulkPushPull(t *testing.T) {
	serverTransport := New(nil)
	addr := freeTCPAddr(t)
	go serverTransport.Serve(addr)
	t.Cleanup(serverTransport.Stop)
	waitForListener(t, addr)

	remote, err := bulk.Create([]bulk.Segment{{Addr: make([]byte, 16), Len: 16}}, bulk.ReadWrite, bulk.MemHost)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { bulk.Forget(remote) })
	peerBulk := bulk.Serialize(remote)

	clientTransport := New(nil)
	t.Cleanup(clientTransport.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := clientTransport.PushBytes(ctx, addr, peerBulk, 0, []byte("0123456789012345")[:16]); err != nil {
		t.Fatalf("PushBytes: %v", err)
	}

	local := make([]byte, 16)
	if err := clientTransport.PullBytes(ctx, addr, peerBulk, 0, local); err != nil {
		t.Fatalf("PullBytes: %v", err)
	}
	if string(local) != "0123456789012345"[:16] {
		t.Fatalf("got %q", local)
	}
}

func TestSplitAddrRecognizesSchemes(t *testing.T) {
	cases := map[string]string{
		"grpc://host:1234":  "tcp",
		"tcp://host:1234":   "tcp",
		"vsock://3:5000":    "vsock",
		"host:1234":         "tcp",
	}
	for addr, wantNetwork := range cases {
		network, _, err := splitAddr(addr)
		if err != nil {
			t.Fatalf("splitAddr(%q): %v", addr, err)
		}
		if network != wantNetwork {
			t.Errorf("splitAddr(%q) = %q, want %q", addr, network, wantNetwork)
		}
	}

	if _, _, err := splitAddr("carrier-pigeon://nest:1"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("got %v, want ErrUnknownScheme", err)
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	_, target, err := splitAddr(addr)
	if err != nil {
		t.Fatalf("splitAddr: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", target, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}
