package pool

import "sync/atomic"

// Unit is a runnable work item: the body of one ULT. Pools hold Units;
// ExecStreams pop them and run fn to completion on the popping goroutine,
// which is what gives a Unit the blocking-looking suspension points
// described in the package doc — a Unit that blocks on a channel or
// condition variable simply occupies its ExecStream worker until it's
// resumed, exactly as a real user-level thread would occupy its host OS
// thread.
type Unit struct {
	fn       func()
	seq      uint64 // monotonic creation order, used by the earliest-first kind
	switches int32  // number of times this unit has been popped and requeued
}

// NewUnit wraps fn as a poolable work item.
func NewUnit(fn func()) *Unit {
	return &Unit{fn: fn, seq: nextSeq()}
}

func (u *Unit) run() {
	u.fn()
}

func (u *Unit) contextSwitches() int32 {
	return atomic.LoadInt32(&u.switches)
}

func (u *Unit) bumpContextSwitch() {
	atomic.AddInt32(&u.switches, 1)
}

var seqCounter uint64

func nextSeq() uint64 {
	return atomic.AddUint64(&seqCounter, 1)
}
