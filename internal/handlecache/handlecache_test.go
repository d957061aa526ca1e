package handlecache

import (
	"testing"

	"github.com/oriys/corerpc/internal/rpcid"
)

func TestCreateDestroyReusesSlot(t *testing.T) {
	c := New(2)
	id := rpcid.Gen("op", rpcid.DefaultProvider)

	h1 := c.Create("peer-a", id)
	refBefore := h1.Refcount()
	c.Destroy(h1)
	if c.Len() != 1 {
		t.Fatalf("expected 1 idle handle after destroy, got %d", c.Len())
	}

	h2 := c.Create("peer-b", id)
	if h2 != h1 {
		t.Error("expected Create to reuse the destroyed handle")
	}
	if h2.Addr() != "peer-b" {
		t.Errorf("expected retargeted addr, got %q", h2.Addr())
	}
	if h2.Refcount() != refBefore {
		t.Errorf("expected refcount restored to %d, got %d", refBefore, h2.Refcount())
	}
}

func TestDestroyWithOutstandingReferenceDoesNotRecycle(t *testing.T) {
	c := New(2)
	id := rpcid.Gen("op", rpcid.DefaultProvider)
	h := c.Create("peer-a", id)
	h.Acquire() // a second holder

	c.Destroy(h)
	if c.Len() != 0 {
		t.Fatal("handle with outstanding reference should not be recycled yet")
	}

	c.Destroy(h)
	if c.Len() != 1 {
		t.Fatal("handle should be recycled once its last reference is destroyed")
	}
}

func TestCapacityBoundsCachedHandles(t *testing.T) {
	c := New(1)
	id := rpcid.Gen("op", rpcid.DefaultProvider)

	h1 := c.Create("a", id)
	h2 := c.Create("b", id) // exceeds capacity, allocated outside the cache

	c.Destroy(h1)
	if c.Len() != 1 {
		t.Fatalf("got %d, want 1", c.Len())
	}
	c.Destroy(h2) // not cache-owned; should not grow the free list past capacity
	if c.Len() != 1 {
		t.Fatalf("expected capacity to cap the free list at 1, got %d", c.Len())
	}
}
