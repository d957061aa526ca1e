// Package finalize implements the Finalize Orchestrator described in
// spec.md §4.7: two owner-scoped callback stacks (prefinalize, finalize)
// plus the pending-operation-gated ACTIVE→FINALIZING→DRAINING→CLEANUP→FREED
// state machine that coordinates instance shutdown with in-flight work.
package finalize

import (
	"sync"
)

// State is a position in the finalize state machine.
type State int

const (
	Active State = iota
	Finalizing
	Draining
	Cleanup
	Freed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Finalizing:
		return "finalizing"
	case Draining:
		return "draining"
	case Cleanup:
		return "cleanup"
	case Freed:
		return "freed"
	default:
		return "unknown"
	}
}

// Callback is one entry pushed onto a stack: fn receives arg when invoked.
type Callback struct {
	owner any
	fn    func(arg any)
	arg   any
}

type stack struct {
	mu      sync.Mutex
	entries []Callback
}

func (s *stack) push(owner any, fn func(arg any), arg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Callback{owner: owner, fn: fn, arg: arg})
}

// popLast removes and returns the most recently pushed entry.
func (s *stack) popLast() (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Callback{}, false
	}
	n := len(s.entries) - 1
	c := s.entries[n]
	s.entries = s.entries[:n]
	return c, true
}

func (s *stack) topLast() (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Callback{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// popOwner removes the most recently pushed entry whose owner matches.
func (s *stack) popOwner(owner any) (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].owner == owner {
			c := s.entries[i]
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return c, true
		}
	}
	return Callback{}, false
}

func (s *stack) topOwner(owner any) (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].owner == owner {
			return s.entries[i], true
		}
	}
	return Callback{}, false
}

// drainAll pops and returns every entry in reverse-push order (i.e. stack
// pop order), leaving the stack empty.
func (s *stack) drainAll() []Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Callback, len(s.entries))
	for i := range s.entries {
		out[i] = s.entries[len(s.entries)-1-i]
	}
	s.entries = nil
	return out
}

// Orchestrator drives one Instance's shutdown sequence. StopProgress is
// supplied by the instance glue layer (it knows how to stop and join the
// progress driver); Orchestrator itself only sequences callbacks and state.
type Orchestrator struct {
	prefinalize stack
	finalizeCbs stack

	mu               sync.Mutex
	cond             *sync.Cond
	state            State
	finalizeReq      bool
	pendingOps       int
	refcount         int32
	stopProgress     func()
	cleanupOnce      sync.Once
	cleanupCompleted chan struct{}
}

// New creates an Orchestrator in the Active state. stopProgress is called
// once, after prefinalize callbacks run, to stop and join the progress
// driver; it must not return until the driver goroutine has exited.
func New(stopProgress func()) *Orchestrator {
	o := &Orchestrator{state: Active, stopProgress: stopProgress, cleanupCompleted: make(chan struct{}), refcount: 1}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// PushPrefinalize registers a callback allowed to issue RPCs, run before the
// progress loop stops.
func (o *Orchestrator) PushPrefinalize(owner any, fn func(arg any), arg any) {
	o.prefinalize.push(owner, fn, arg)
}

// PushFinalize registers a callback that must not issue RPCs, run during
// cleanup after the progress loop has stopped.
func (o *Orchestrator) PushFinalize(owner any, fn func(arg any), arg any) {
	o.finalizeCbs.push(owner, fn, arg)
}

// PopPrefinalize, TopPrefinalize, PopFinalize, TopFinalize give callers
// direct stack access (e.g. a component tearing down early, ahead of
// instance-wide finalize).
func (o *Orchestrator) PopPrefinalize() (Callback, bool) { return o.prefinalize.popLast() }
func (o *Orchestrator) TopPrefinalize() (Callback, bool) { return o.prefinalize.topLast() }
func (o *Orchestrator) PopFinalize() (Callback, bool)    { return o.finalizeCbs.popLast() }
func (o *Orchestrator) TopFinalize() (Callback, bool)    { return o.finalizeCbs.topLast() }

// PopPrefinalizeOwner/TopPrefinalizeOwner/PopFinalizeOwner/TopFinalizeOwner
// are the owner-scoped variants spec.md §4.7 requires.
func (o *Orchestrator) PopPrefinalizeOwner(owner any) (Callback, bool) {
	return o.prefinalize.popOwner(owner)
}
func (o *Orchestrator) TopPrefinalizeOwner(owner any) (Callback, bool) {
	return o.prefinalize.topOwner(owner)
}
func (o *Orchestrator) PopFinalizeOwner(owner any) (Callback, bool) {
	return o.finalizeCbs.popOwner(owner)
}
func (o *Orchestrator) TopFinalizeOwner(owner any) (Callback, bool) {
	return o.finalizeCbs.topOwner(owner)
}

// BeginOp increments the pending-op counter; call before dispatching a ULT
// for an inbound RPC. Returns false if the instance is already finalizing,
// in which case the caller must reject the operation instead.
func (o *Orchestrator) BeginOp() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Active {
		return false
	}
	o.pendingOps++
	return true
}

// EndOp decrements the pending-op counter. If a finalize request is pending
// and this was the last outstanding op, it advances the state machine.
func (o *Orchestrator) EndOp() {
	o.mu.Lock()
	o.pendingOps--
	shouldProceed := o.finalizeReq && o.pendingOps == 0 && o.state == Finalizing
	o.mu.Unlock()
	if shouldProceed {
		o.proceed()
	}
}

// State reports the orchestrator's current position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Finalize requests shutdown. If operations are still pending it only
// records the request — the last EndOp call resumes the sequence.
// Otherwise it proceeds immediately. Idempotent: a second call while
// already finalizing is a no-op.
func (o *Orchestrator) Finalize() {
	o.mu.Lock()
	if o.state != Active {
		o.mu.Unlock()
		return
	}
	o.state = Finalizing
	o.finalizeReq = true
	pending := o.pendingOps
	o.mu.Unlock()

	if pending == 0 {
		o.proceed()
	}
}

// proceed runs prefinalize callbacks (reverse push order), stops the
// progress loop, transitions through Draining and Cleanup, runs finalize
// callbacks, and lands in Freed, broadcasting the finalize condition once
// Freed is reached so wait_for_finalize callers unblock.
func (o *Orchestrator) proceed() {
	for _, cb := range o.prefinalize.drainAll() {
		cb.fn(cb.arg)
	}

	o.mu.Lock()
	o.state = Draining
	o.mu.Unlock()

	if o.stopProgress != nil {
		o.stopProgress()
	}

	o.mu.Lock()
	o.state = Cleanup
	o.mu.Unlock()

	o.cleanupOnce.Do(func() {
		for _, cb := range o.finalizeCbs.drainAll() {
			cb.fn(cb.arg)
		}
		close(o.cleanupCompleted)
	})

	o.mu.Lock()
	o.state = Freed
	o.cond.Broadcast()
	o.mu.Unlock()
}

// WaitForFinalize increments the instance refcount, blocks until finalize
// reaches Freed, then decrements. The caller holding the last decrement is
// not distinguished here — instance memory release is the glue layer's
// responsibility once refcount drops to zero (see Release).
func (o *Orchestrator) WaitForFinalize() {
	o.RefIncr()
	defer o.Release()

	o.mu.Lock()
	for o.state != Freed {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// FinalizeAndWait combines Finalize and WaitForFinalize, guaranteeing the
// instance has fully torn down on return.
func (o *Orchestrator) FinalizeAndWait() {
	o.Finalize()
	o.WaitForFinalize()
}

// RefIncr pins the instance in memory independent of finalize state.
func (o *Orchestrator) RefIncr() {
	o.mu.Lock()
	o.refcount++
	o.mu.Unlock()
}

// Release decrements the pin count, returning the count after decrement.
func (o *Orchestrator) Release() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refcount--
	return o.refcount
}

// Refcount reports the current pin count.
func (o *Orchestrator) Refcount() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcount
}
