package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/corerpc/internal/circuitbreaker"
	"github.com/oriys/corerpc/internal/finalize"
	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/request"
	"github.com/oriys/corerpc/internal/rpcid"
)

// failingTransport always errors, simulating an unreachable peer.
type failingTransport struct{ err error }

func (ft *failingTransport) Call(ctx context.Context, addr string, id rpcid.ID, bc uint64, payload []byte) ([]byte, error) {
	return nil, ft.err
}

// loopbackTransport routes Call directly into a Dispatcher's OnInbound,
// simulating a peer on the other end of the wire without a real network.
type loopbackTransport struct {
	peer *Dispatcher
}

func (lt *loopbackTransport) Call(ctx context.Context, addr string, id rpcid.ID, bc uint64, payload []byte) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	lt.peer.OnInbound(ctx, "client", id, bc, payload, func(out []byte, err error) {
		done <- result{out, err}
	})
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newServer(t *testing.T) (*Dispatcher, *registry.Registry, *pool.Pool) {
	t.Helper()
	p := pool.New("__primary__", 0, pool.KindFIFOWait, pool.AccessMPMC, true)
	xs := pool.NewExecStream("es0", 0, true, []*pool.Pool{p}, pool.WithWorkers(2))
	xs.Start()
	t.Cleanup(func() { xs.Join() })

	reg := registry.New(true)
	orch := finalize.New(func() {})
	d := New(reg, nil, orch, p)
	return d, reg, p
}

func TestForwardRoundTrip(t *testing.T) {
	server, reg, _ := newServer(t)
	reg.Register("sum", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("42"))
	}, nil)

	clientOrch := finalize.New(func() {})
	client := New(registry.New(false), &loopbackTransport{peer: server}, clientOrch, nil)

	id, _ := reg.LookupName("sum", rpcid.DefaultProvider)
	h := NewHandle("server:1234", id)

	status, out, err := client.Forward(context.Background(), h, []byte("ignored"))
	if err != nil {
		t.Fatalf("Forward: %v status=%v", err, status)
	}
	if status != request.StatusOK || string(out) != "42" {
		t.Fatalf("got status=%v out=%q", status, out)
	}
}

func TestForwardTimedTimesOutOnSlowHandler(t *testing.T) {
	server, reg, _ := newServer(t)
	reg.Register("slow", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		time.Sleep(200 * time.Millisecond)
		return ctx.Respond([]byte("late"))
	}, nil)

	clientOrch := finalize.New(func() {})
	client := New(registry.New(false), &loopbackTransport{peer: server}, clientOrch, nil)

	id, _ := reg.LookupName("slow", rpcid.DefaultProvider)
	h := NewHandle("server:1234", id)

	start := time.Now()
	status, _, err := client.ForwardTimed(context.Background(), h, nil, 50)
	elapsed := time.Since(start)
	if status != request.StatusTimeout {
		t.Fatalf("got status=%v err=%v, want timeout", status, err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("forward_timed should not wait for the slow handler, took %v", elapsed)
	}
}

func TestForwardTimedZeroBehavesAsForward(t *testing.T) {
	server, reg, _ := newServer(t)
	reg.Register("echo", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond(ctx.Input())
	}, nil)

	client := New(registry.New(false), &loopbackTransport{peer: server}, finalize.New(func() {}), nil)
	id, _ := reg.LookupName("echo", rpcid.DefaultProvider)
	h := NewHandle("server:1234", id)

	status, out, err := client.ForwardTimed(context.Background(), h, []byte("hi"), 0)
	if err != nil || status != request.StatusOK || string(out) != "hi" {
		t.Fatalf("got status=%v out=%q err=%v", status, out, err)
	}
}

func TestOnInboundRejectsUnknownID(t *testing.T) {
	server, _, _ := newServer(t)
	client := New(registry.New(false), &loopbackTransport{peer: server}, finalize.New(func() {}), nil)
	h := NewHandle("server:1234", rpcid.Gen("nonexistent", rpcid.DefaultProvider))

	status, _, err := client.Forward(context.Background(), h, nil)
	if status != request.StatusNotFound || err == nil {
		t.Fatalf("got status=%v err=%v, want not-found", status, err)
	}
}

func TestOnInboundRejectsDuringFinalize(t *testing.T) {
	p := pool.New("__primary__", 0, pool.KindFIFOWait, pool.AccessMPMC, true)
	reg := registry.New(true)
	reg.Register("x", rpcid.DefaultProvider, nil, nil, func(registry.Context) error { return nil }, nil)
	orch := finalize.New(func() {})
	server := New(reg, nil, orch, p)
	orch.FinalizeAndWait()

	client := New(registry.New(false), &loopbackTransport{peer: server}, finalize.New(func() {}), nil)
	id, _ := reg.LookupName("x", rpcid.DefaultProvider)
	h := NewHandle("server:1234", id)

	status, _, err := client.Forward(context.Background(), h, nil)
	if status != request.StatusPermissionDenied || !errors.Is(err, request.ErrPermissionDenied) {
		t.Fatalf("got status=%v err=%v, want permission-denied", status, err)
	}
}

func TestCForwardRunsCallbackOnCompletion(t *testing.T) {
	server, reg, _ := newServer(t)
	reg.Register("x", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("done"))
	}, nil)
	client := New(registry.New(false), &loopbackTransport{peer: server}, finalize.New(func() {}), nil)
	id, _ := reg.LookupName("x", rpcid.DefaultProvider)
	h := NewHandle("server:1234", id)

	resultCh := make(chan string, 1)
	client.CForward(context.Background(), h, nil, 0, func(status request.Status, out []byte) {
		resultCh <- string(out)
	})

	select {
	case got := <-resultCh:
		if got != "done" {
			t.Errorf("got %q, want %q", got, "done")
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestProviderIsolationViaResetForProvider(t *testing.T) {
	server, reg, _ := newServer(t)
	baseID, _ := reg.Register("op", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("default"))
	}, nil)
	reg.Register("op", 7, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("provider-7"))
	}, nil)

	client := New(registry.New(false), &loopbackTransport{peer: server}, finalize.New(func() {}), nil)
	base, _ := reg.Lookup(baseID)
	h := NewHandle("server:1234", baseID)

	client.ResetForProvider(h, base, 7)
	status, out, err := client.Forward(context.Background(), h, nil)
	if err != nil || status != request.StatusOK || string(out) != "provider-7" {
		t.Fatalf("got status=%v out=%q err=%v", status, out, err)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := New(registry.New(false), &failingTransport{err: errors.New("unreachable")}, finalize.New(func() {}), nil)
	client.EnableCircuitBreaker(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   time.Minute,
		HalfOpenProbes: 1,
	})

	h := NewHandle("dead-peer:1234", rpcid.Gen("whatever", rpcid.DefaultProvider))

	// A single failure already trips a fresh breaker at a 50% threshold
	// (1 failure / 1 total = 100% error rate).
	status, _, err := client.Forward(context.Background(), h, nil)
	if status != request.StatusOther || !errors.Is(err, request.ErrOther) {
		t.Fatalf("first forward: got status=%v err=%v", status, err)
	}

	status, _, err = client.Forward(context.Background(), h, nil)
	if status != request.StatusCancelled || !errors.Is(err, request.ErrCancelled) {
		t.Fatalf("expected breaker to trip and reject, got status=%v err=%v", status, err)
	}
}
