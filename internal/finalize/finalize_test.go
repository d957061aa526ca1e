package finalize

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFinalizeRunsCallbacksInReverseOrder(t *testing.T) {
	var order []int
	var mu sync.Mutex
	record := func(n int) func(any) {
		return func(any) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	stopped := make(chan struct{})
	o := New(func() { close(stopped) })
	o.PushPrefinalize(nil, record(1), nil)
	o.PushPrefinalize(nil, record(2), nil)
	o.PushPrefinalize(nil, record(3), nil)

	o.FinalizeAndWait()

	mu.Lock()
	defer mu.Unlock()
	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
	select {
	case <-stopped:
	default:
		t.Error("expected stopProgress to have been called")
	}
	if o.State() != Freed {
		t.Errorf("expected Freed, got %v", o.State())
	}
}

func TestFinalizeDefersUntilPendingOpsDrain(t *testing.T) {
	o := New(func() {})
	if !o.BeginOp() {
		t.Fatal("BeginOp should succeed while active")
	}

	done := make(chan struct{})
	go func() {
		o.FinalizeAndWait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("finalize completed before pending op ended")
	default:
	}

	o.EndOp()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("finalize never completed after pending op ended")
	}
}

func TestBeginOpRejectedDuringFinalize(t *testing.T) {
	o := New(func() {})
	o.FinalizeAndWait()
	if o.BeginOp() {
		t.Error("BeginOp should fail once finalizing")
	}
}

func TestOwnerScopedPopAffectsOnlyMatchingOwner(t *testing.T) {
	o := New(func() {})
	ownerA, ownerB := new(int), new(int)
	var aRan, bRan int32
	o.PushPrefinalize(ownerA, func(any) { atomic.AddInt32(&aRan, 1) }, nil)
	o.PushPrefinalize(ownerB, func(any) { atomic.AddInt32(&bRan, 1) }, nil)

	cb, ok := o.PopPrefinalizeOwner(ownerA)
	if !ok {
		t.Fatal("expected to find ownerA's callback")
	}
	cb.fn(cb.arg)
	if atomic.LoadInt32(&aRan) != 1 {
		t.Error("expected ownerA's callback to have run")
	}

	if _, ok := o.TopPrefinalizeOwner(ownerA); ok {
		t.Error("ownerA's entry should have been removed by PopPrefinalizeOwner")
	}
	if _, ok := o.TopPrefinalizeOwner(ownerB); !ok {
		t.Error("ownerB's entry should remain")
	}
}

func TestRefcountGatesIndependentlyOfFinalize(t *testing.T) {
	o := New(func() {})
	o.RefIncr()
	if o.Refcount() != 2 {
		t.Fatalf("got %d, want 2", o.Refcount())
	}
	if n := o.Release(); n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}
