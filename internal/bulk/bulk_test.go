package bulk

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/oriys/corerpc/internal/ratelimit"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	h, err := Create([]Segment{{Addr: make([]byte, 10), Len: 10}, {Addr: make([]byte, 20), Len: 20}}, ReadWrite, MemHost)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := Serialize(h)
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Permission() != h.Permission() {
		t.Errorf("permission mismatch: got %v want %v", got.Permission(), h.Permission())
	}
	if got.Size() != h.Size() {
		t.Errorf("size mismatch: got %d want %d", got.Size(), h.Size())
	}
	if !got.foreign {
		t.Error("deserialized handle should be marked foreign")
	}
}

func TestLookupResolvesHandleByID(t *testing.T) {
	h, err := Create([]Segment{{Addr: make([]byte, 8), Len: 8}}, ReadWrite, MemHost)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := Lookup(h.ID())
	if !ok || got != h {
		t.Fatalf("Lookup(%d) = %v, %v; want %v, true", h.ID(), got, ok, h)
	}

	if err := h.WriteAt(0, []byte("abcdefgh")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out, err := h.ReadAt(2, 4)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, []byte("cdef")) {
		t.Errorf("ReadAt got %q, want %q", out, "cdef")
	}

	Forget(h)
	if _, ok := Lookup(h.ID()); ok {
		t.Error("expected Lookup to fail after Forget")
	}
}

func TestReadAtWriteAtRespectPermission(t *testing.T) {
	ro, _ := Create([]Segment{{Addr: make([]byte, 4), Len: 4}}, ReadOnly, MemHost)
	if err := ro.WriteAt(0, []byte("ab")); err != ErrPermission {
		t.Fatalf("expected ErrPermission writing a ReadOnly handle, got %v", err)
	}

	wo, _ := Create([]Segment{{Addr: make([]byte, 4), Len: 4}}, WriteOnly, MemHost)
	if _, err := wo.ReadAt(0, 2); err != ErrPermission {
		t.Fatalf("expected ErrPermission reading a WriteOnly handle, got %v", err)
	}
}

func TestCreateRejectsEmptySegments(t *testing.T) {
	if _, err := Create(nil, ReadOnly, MemHost); err != ErrEmptySegments {
		t.Fatalf("got %v, want ErrEmptySegments", err)
	}
}

func TestBulkPoolGetReleaseLIFO(t *testing.T) {
	p := NewBulkPool(2, 16, ReadWrite)
	h1 := p.Get()
	h2 := p.Get()
	if p.Available() != 0 {
		t.Fatalf("expected pool exhausted, got %d available", p.Available())
	}
	if h := p.TryGet(); h != nil {
		t.Fatal("TryGet should fail on exhausted pool")
	}
	p.Release(h1)
	if p.Available() != 1 {
		t.Fatalf("expected 1 available after release, got %d", p.Available())
	}
	h3 := p.Get()
	if h3 != h1 {
		t.Error("expected LIFO reuse of most recently released handle")
	}
	p.Release(h2)
	p.Release(h3)
	if !p.CanDestroy() {
		t.Error("expected CanDestroy true once all handles returned")
	}
}

func TestBulkPoolGetBlocksUntilRelease(t *testing.T) {
	p := NewBulkPool(1, 8, ReadWrite)
	h := p.Get()

	done := make(chan *Handle, 1)
	go func() { done <- p.Get() }()

	select {
	case <-done:
		t.Fatal("Get returned before a slot was released")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(h)
	select {
	case got := <-done:
		if got != h {
			t.Error("expected blocked Get to receive the released handle")
		}
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Release")
	}
}

func TestPoolSetBucketSelection(t *testing.T) {
	ps := NewPoolSet(3, 2, 64, 2.0, ReadWrite) // buckets: 64, 128, 256
	h := ps.Get(100)
	if h.Size() != 128 {
		t.Errorf("expected 128-byte bucket for size 100, got %d", h.Size())
	}
	ps.Release(h)
}

func TestPoolSetTryGetAnyFallback(t *testing.T) {
	ps := NewPoolSet(2, 1, 32, 2.0, ReadWrite) // buckets: 32, 64
	first, err := ps.TryGet(32, false)
	if err != nil || first == nil {
		t.Fatalf("expected a handle, got %v, %v", first, err)
	}
	if h, _ := ps.TryGet(32, false); h != nil {
		t.Fatal("expected exhausted 32-byte bucket to fail without any=true")
	}
	h, err := ps.TryGet(32, true)
	if err != nil || h == nil {
		t.Fatalf("expected fallback to 64-byte bucket, got %v, %v", h, err)
	}
	if h.Size() != 64 {
		t.Errorf("expected fallback handle from 64-byte bucket, got size %d", h.Size())
	}
}

type fakeTransport struct {
	remote []byte
}

func (f *fakeTransport) PushBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error {
	copy(f.remote[peerOff:], local)
	return nil
}

func (f *fakeTransport) PullBytes(ctx context.Context, peerAddr string, peerBulk []byte, peerOff int, local []byte) error {
	copy(local, f.remote[peerOff:peerOff+len(local)])
	return nil
}

func TestAutoBulkPullOnAccessAndPushOnDestroy(t *testing.T) {
	ft := &fakeTransport{remote: []byte("hello world, this is remote data")}
	mgr := NewManager(ft)

	ab := NewRemote(mgr, "peer:1234", []byte("remote-descriptor"), 0, 11, true, true)
	buf, err := ab.Access(context.Background())
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello world")) {
		t.Errorf("got %q, want %q", buf, "hello world")
	}

	copy(buf, []byte("HELLO WORLD"))
	if err := ab.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !bytes.Equal(ft.remote[:11], []byte("HELLO WORLD")) {
		t.Errorf("push-on-destroy didn't propagate: remote=%q", ft.remote[:11])
	}
}

func TestManagerTransferRespectsPermission(t *testing.T) {
	ft := &fakeTransport{remote: make([]byte, 16)}
	mgr := NewManager(ft)
	h, _ := Create([]Segment{{Addr: make([]byte, 16), Len: 16}}, ReadOnly, MemHost)

	if err := mgr.Transfer(context.Background(), Pull, "peer", nil, 0, h, 0, 16, 0); err != ErrPermission {
		t.Fatalf("expected ErrPermission pulling into a ReadOnly handle, got %v", err)
	}
}

func TestManagerTransferAsync(t *testing.T) {
	ft := &fakeTransport{remote: []byte("0123456789012345")}
	mgr := NewManager(ft)
	h, _ := Create([]Segment{{Addr: make([]byte, 16), Len: 16}}, ReadWrite, MemHost)

	req := mgr.TransferAsync(context.Background(), Pull, "peer", nil, 0, h, 0, 16, time.Second)
	status, _, err := req.Wait(context.Background())
	if err != nil {
		t.Fatalf("async transfer failed: %v status=%v", err, status)
	}
}

type fakeRateLimiter struct{ allow bool }

func (f *fakeRateLimiter) AllowBulkTransfer(ctx context.Context, addr string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: f.allow}, nil
}

func TestManagerTransferRejectedWhenRateLimited(t *testing.T) {
	ft := &fakeTransport{remote: make([]byte, 16)}
	mgr := NewManager(ft)
	mgr.SetRateLimiter(&fakeRateLimiter{allow: false})
	h, _ := Create([]Segment{{Addr: make([]byte, 16), Len: 16}}, ReadWrite, MemHost)

	err := mgr.Transfer(context.Background(), Pull, "peer", nil, 0, h, 0, 16, 0)
	if err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestManagerTransferAllowedWhenWithinRate(t *testing.T) {
	ft := &fakeTransport{remote: []byte("0123456789012345")}
	mgr := NewManager(ft)
	mgr.SetRateLimiter(&fakeRateLimiter{allow: true})
	h, _ := Create([]Segment{{Addr: make([]byte, 16), Len: 16}}, ReadWrite, MemHost)

	if err := mgr.Transfer(context.Background(), Pull, "peer", nil, 0, h, 0, 16, 0); err != nil {
		t.Fatalf("expected transfer to be admitted, got %v", err)
	}
}
