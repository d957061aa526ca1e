package instance

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/oriys/corerpc/internal/config"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/finalize"
	"github.com/oriys/corerpc/internal/pool"
	"github.com/oriys/corerpc/internal/registry"
	"github.com/oriys/corerpc/internal/rpcid"
)

func testConfig() *config.Config {
	cfg, _ := config.Parse([]byte(`{}`), false)
	cfg.ExpandConveniences()
	return cfg
}

// listeningConfig is testConfig in listening mode on a free local port, so
// the instance accepts handler registrations.
func listeningConfig(t *testing.T) *config.Config {
	cfg := testConfig()
	cfg.Mercury.Address = freeGRPCAddr(t)
	cfg.Mercury.Listening = true
	return cfg
}

func TestNewWiresDefaultPoolAndXStream(t *testing.T) {
	inst, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	if len(inst.Pools()) != 1 {
		t.Fatalf("expected 1 default pool, got %d", len(inst.Pools()))
	}
	if inst.defaultPool() == nil {
		t.Fatal("expected a default pool")
	}
}

func TestRegisterAndLocalDispatch(t *testing.T) {
	inst, err := New(listeningConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	id, err := inst.Register("double", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("ok"))
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := inst.Registry().Lookup(id); !ok {
		t.Fatal("expected registration to be findable by id")
	}
}

func TestAddRemovePool(t *testing.T) {
	inst, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	if _, err := inst.AddPool("extra", pool.KindFIFOWait, pool.AccessMPMC); err != nil {
		t.Fatalf("AddPool: %v", err)
	}
	if len(inst.Pools()) != 2 {
		t.Fatalf("expected 2 pools after AddPool, got %d", len(inst.Pools()))
	}
	if err := inst.RemovePool("extra"); err != nil {
		t.Fatalf("RemovePool: %v", err)
	}
	if len(inst.Pools()) != 1 {
		t.Fatalf("expected 1 pool after RemovePool, got %d", len(inst.Pools()))
	}
	if err := inst.RemovePool("extra"); !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("got %v, want ErrUnknownPool", err)
	}
}

func TestShutdownRPCTriggersFinalize(t *testing.T) {
	cfg := listeningConfig(t)
	cfg.EnableRemoteShutdown = true
	inst, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, ok := inst.Registry().LookupName(registry.ShutdownRPCName, rpcid.DefaultProvider)
	if !ok {
		t.Fatal("expected __shutdown__ to be registered")
	}
	h, _ := inst.Registry().Lookup(id)
	if h == nil {
		t.Fatal("expected a registration")
	}

	responded := make(chan struct{}, 1)
	_ = h.Handler(dispatchTestContext{ctx: context.Background(), onRespond: func([]byte, error) { responded <- struct{}{} }})
	<-responded

	inst.FinalizeAndWait()
}

func TestShutdownRPCDeniedWhenDisabled(t *testing.T) {
	inst, err := New(listeningConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	id, ok := inst.Registry().LookupName(registry.ShutdownRPCName, rpcid.DefaultProvider)
	if !ok {
		t.Fatal("expected __shutdown__ to be registered")
	}
	h, _ := inst.Registry().Lookup(id)

	var gotErr error
	responded := make(chan struct{}, 1)
	_ = h.Handler(dispatchTestContext{ctx: context.Background(), onRespond: func(_ []byte, err error) {
		gotErr = err
		responded <- struct{}{}
	}})
	<-responded

	if !errors.Is(gotErr, dispatch.ErrPermissionDenied) {
		t.Fatalf("got err %v, want dispatch.ErrPermissionDenied", gotErr)
	}
	if inst.Orchestrator().State() != finalize.Active {
		t.Fatalf("got state %v, want Active (finalize must not have been triggered)", inst.Orchestrator().State())
	}
}

func TestRegistryInvalidatedAfterFinalize(t *testing.T) {
	inst, err := New(listeningConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := inst.Register("double", rpcid.DefaultProvider, nil, nil, func(ctx registry.Context) error {
		return ctx.Respond([]byte("ok"))
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst.FinalizeAndWait()

	if _, ok := inst.Registry().Lookup(id); ok {
		t.Fatal("expected registration to be invalidated after FinalizeAndWait")
	}
}

func freeGRPCAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return "grpc://" + addr
}

func waitForGRPCListener(t *testing.T, addr string) {
	t.Helper()
	target := strings.TrimPrefix(addr, "grpc://")
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

func TestShutdownRemoteInstanceEnabled(t *testing.T) {
	addr := freeGRPCAddr(t)

	serverCfg := testConfig()
	serverCfg.Mercury.Address = addr
	serverCfg.Mercury.Listening = true
	serverCfg.EnableRemoteShutdown = true
	server, err := New(serverCfg)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	waitForGRPCListener(t, addr)

	client, err := New(testConfig())
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	t.Cleanup(client.Finalize)

	if err := client.ShutdownRemoteInstance(context.Background(), addr); err != nil {
		t.Fatalf("ShutdownRemoteInstance: %v", err)
	}
	server.FinalizeAndWait()
}

func TestShutdownRemoteInstanceDisabled(t *testing.T) {
	addr := freeGRPCAddr(t)

	serverCfg := testConfig()
	serverCfg.Mercury.Address = addr
	serverCfg.Mercury.Listening = true
	server, err := New(serverCfg)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	t.Cleanup(server.Finalize)
	waitForGRPCListener(t, addr)

	client, err := New(testConfig())
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	t.Cleanup(client.Finalize)

	if err := client.ShutdownRemoteInstance(context.Background(), addr); err == nil {
		t.Fatal("expected an error shutting down a remote instance with enable_remote_shutdown unset")
	}
	if server.Orchestrator().State() != finalize.Active {
		t.Fatalf("got state %v, want Active (finalize must not have been triggered)", server.Orchestrator().State())
	}
}

func TestScheduleTimerFiresCallback(t *testing.T) {
	inst, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	fired := make(chan any, 1)
	inst.ScheduleTimer(func(arg any) { fired <- arg }, "payload", 10, nil)

	select {
	case got := <-fired:
		if got != "payload" {
			t.Fatalf("got arg %v, want payload", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire within 1s")
	}
}

func TestCancelTimerPreventsCallback(t *testing.T) {
	inst, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inst.Finalize)

	fired := make(chan any, 1)
	tm := inst.ScheduleTimer(func(arg any) { fired <- arg }, "payload", 50, nil)
	inst.CancelTimer(tm)

	select {
	case <-fired:
		t.Fatal("callback fired after cancellation")
	case <-time.After(100 * time.Millisecond):
	}
}

type dispatchTestContext struct {
	ctx       context.Context
	onRespond func([]byte, error)
}

func (d dispatchTestContext) Context() context.Context { return d.ctx }
func (d dispatchTestContext) Input() []byte            { return nil }
func (d dispatchTestContext) Respond(out []byte) error {
	d.onRespond(out, nil)
	return nil
}
func (d dispatchTestContext) RespondError(err error) error {
	d.onRespond(nil, err)
	return nil
}
