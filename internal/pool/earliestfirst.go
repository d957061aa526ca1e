package pool

import "container/heap"

// oldThreshold is the context-switch count a unit must exceed to migrate
// from the young min-heap to the old FIFO overflow list (spec: "exceeded 32
// context switches").
const oldThreshold = 32

// efirstStore is the earliest-first-wait pool kind: a two-tier structure
// that favors units that were created earliest among those still young
// (at most oldThreshold context switches), with a FIFO overflow list for
// units that have aged past that threshold so long-running units are not
// starved by a steady stream of new short ones.
//
// pop alternates between the two tiers on even/odd pop counts (when both
// are non-empty), strictly favoring the old list every other pop.
type efirstStore struct {
	young    unitHeap
	old      []*Unit
	inflight int
	popCount uint64
	notify   chan struct{}
}

func newEFirstStore() *efirstStore {
	return &efirstStore{notify: make(chan struct{}, 1)}
}

func (s *efirstStore) push(u *Unit) {
	wasEmpty := len(s.young) == 0 && len(s.old) == 0
	if u.contextSwitches() > oldThreshold {
		s.old = append(s.old, u)
	} else {
		heap.Push(&s.young, u)
	}
	if wasEmpty {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *efirstStore) tryPop() (*Unit, bool) {
	if len(s.young) == 0 && len(s.old) == 0 {
		return nil, false
	}
	favorOld := s.popCount%2 == 1
	s.popCount++

	takeOld := func() (*Unit, bool) {
		if len(s.old) == 0 {
			return nil, false
		}
		u := s.old[0]
		s.old = s.old[1:]
		return u, true
	}
	takeYoung := func() (*Unit, bool) {
		if len(s.young) == 0 {
			return nil, false
		}
		return heap.Pop(&s.young).(*Unit), true
	}

	var u *Unit
	var ok bool
	if favorOld {
		if u, ok = takeOld(); !ok {
			u, ok = takeYoung()
		}
	} else {
		if u, ok = takeYoung(); !ok {
			u, ok = takeOld()
		}
	}
	if ok {
		s.inflight++
	}
	return u, ok
}

func (s *efirstStore) done() {
	s.inflight--
}

func (s *efirstStore) sizes() (runnable, total int) {
	runnable = len(s.young) + len(s.old)
	return runnable, runnable + s.inflight
}

func (s *efirstStore) notifyChan() <-chan struct{} {
	return s.notify
}

// unitHeap is a container/heap min-heap ordered by creation sequence, so
// Pop always returns the earliest-created still-young unit.
type unitHeap []*Unit

func (h unitHeap) Len() int            { return len(h) }
func (h unitHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h unitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *unitHeap) Push(x interface{}) { *h = append(*h, x.(*Unit)) }
func (h *unitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
