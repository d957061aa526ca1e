// Package timer implements the cooperative Timer Wheel described in
// spec.md §4.6: a per-instance, mutex-protected list of Timers ordered by
// ascending expiration, walked by whoever calls Fire (in this runtime, the
// owning Instance's fixed-interval sweep goroutine).
package timer

import (
	"sync"
	"time"

	"github.com/oriys/corerpc/internal/pool"
)

// Callback is invoked when a Timer fires. arg is the user data passed to
// Start.
type Callback func(arg any)

// Timer is a single scheduled deadline. The zero value is not usable; use
// New.
type Timer struct {
	callback Callback
	arg      any
	pool     *pool.Pool // nil means "run inline on whatever goroutine fires it"

	mu        sync.Mutex
	cond      *sync.Cond
	expiresAt time.Time
	linked    bool
	cancelled bool
	destroyed bool
	pending   int // count of in-flight callback invocations

	prev, next *Timer
}

// New creates a Timer bound to callback/arg. If p is non-nil the callback
// runs as a Unit pushed onto p when the timer fires; otherwise it runs
// inline on the goroutine that's sweeping the wheel (normally the
// Instance's timer sweep goroutine).
func New(callback Callback, arg any, p *pool.Pool) *Timer {
	t := &Timer{callback: callback, arg: arg, pool: p}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// IsLinked reports whether the timer is currently scheduled.
func (t *Timer) IsLinked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linked
}

// Wheel is the ordered list of scheduled Timers for one Instance.
type Wheel struct {
	mu   sync.Mutex
	head *Timer
	tail *Timer
}

// NewWheel creates an empty Wheel.
func NewWheel() *Wheel { return &Wheel{} }

// ErrAlreadyScheduled is returned by Start when the timer is already
// linked into a wheel (its own, or another one).
var ErrAlreadyScheduled = timerError("timer: already scheduled")

type timerError string

func (e timerError) Error() string { return string(e) }

// Start links t into the wheel to fire after ms milliseconds, inserting by
// ascending expiration via a backward scan from the tail (new timers
// usually expire later than most already-scheduled ones, so scanning from
// the tail finds the insertion point faster on the common access pattern).
func (w *Wheel) Start(t *Timer, ms int64) error {
	t.mu.Lock()
	if t.linked {
		t.mu.Unlock()
		return ErrAlreadyScheduled
	}
	t.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	t.cancelled = false
	t.linked = true
	t.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tail == nil {
		w.head, w.tail = t, t
		return nil
	}
	cur := w.tail
	for cur != nil && cur.expiresAt.After(t.expiresAt) {
		cur = cur.prev
	}
	if cur == nil {
		t.next = w.head
		w.head.prev = t
		w.head = t
	} else {
		t.next = cur.next
		t.prev = cur
		if cur.next != nil {
			cur.next.prev = t
		} else {
			w.tail = t
		}
		cur.next = t
	}
	return nil
}

// unlinkLocked removes t from the wheel. Caller holds w.mu.
func (w *Wheel) unlinkLocked(t *Timer) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if w.head == t {
		w.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if w.tail == t {
		w.tail = t.prev
	}
	t.prev, t.next = nil, nil
}

// Fire walks the head of the wheel while it's due, spawning each fired
// timer's callback (as a Unit on its bound pool, or inline if unbound) and
// unlinking it first so a callback that calls Start again doesn't observe
// itself still scheduled. Returns the number of timers fired.
func (w *Wheel) Fire(now time.Time) int {
	var due []*Timer
	w.mu.Lock()
	for w.head != nil && !w.head.expiresAt.After(now) {
		t := w.head
		w.unlinkLocked(t)
		t.mu.Lock()
		t.linked = false
		t.pending++
		t.mu.Unlock()
		due = append(due, t)
	}
	w.mu.Unlock()

	for _, t := range due {
		t := t
		invoke := func() {
			t.mu.Lock()
			cancelled := t.cancelled
			t.mu.Unlock()
			if !cancelled {
				t.callback(t.arg)
			}
			t.mu.Lock()
			t.pending--
			t.cond.Broadcast()
			t.mu.Unlock()
		}
		if t.pool != nil {
			t.pool.Push(invoke)
		} else {
			invoke()
		}
	}
	return len(due)
}

// NextExpiration returns the wheel head's expiration and true, or the zero
// time and false if the wheel is empty. Nothing in this module calls it:
// the Instance sweeps the wheel on a fixed interval instead of deriving a
// poll timeout from the next expiration.
func (w *Wheel) NextExpiration() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.head == nil {
		return time.Time{}, false
	}
	return w.head.expiresAt, true
}

// Len reports how many timers are currently scheduled.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for t := w.head; t != nil; t = t.next {
		n++
	}
	return n
}

// Cancel sets t's cancelled flag, unlinks it if still scheduled, and blocks
// until no invocation of its callback remains pending. On return, no
// further invocation of t's callback can occur: a callback that had
// already started runs to completion (its own in-flight invoke() is what
// Cancel waits on), but any invocation still queued as a Unit will observe
// cancelled and skip the user callback.
func (w *Wheel) Cancel(t *Timer) {
	w.mu.Lock()
	if t.IsLinked() {
		w.unlinkLocked(t)
		t.mu.Lock()
		t.linked = false
		t.mu.Unlock()
	}
	w.mu.Unlock()

	t.mu.Lock()
	t.cancelled = true
	for t.pending > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// CancelMany batches cancellation: a single wheel-lock acquisition removes
// every linked timer in ts, then each is waited on individually — strictly
// faster than calling Cancel in a loop when ts is large, since the wheel
// lock is taken once instead of len(ts) times.
func (w *Wheel) CancelMany(ts []*Timer) {
	w.mu.Lock()
	for _, t := range ts {
		if t.IsLinked() {
			w.unlinkLocked(t)
			t.mu.Lock()
			t.linked = false
			t.cancelled = true
			t.mu.Unlock()
		} else {
			t.mu.Lock()
			t.cancelled = true
			t.mu.Unlock()
		}
	}
	w.mu.Unlock()

	for _, t := range ts {
		t.mu.Lock()
		for t.pending > 0 {
			t.cond.Wait()
		}
		t.mu.Unlock()
	}
}

// Destroy frees t if it is unscheduled and has no pending invocations;
// otherwise it marks t for destruction once its final callback exits. Safe
// to call in any state.
func (w *Wheel) Destroy(t *Timer) {
	t.mu.Lock()
	t.destroyed = true
	linked := t.linked
	t.mu.Unlock()

	if linked {
		w.mu.Lock()
		w.unlinkLocked(t)
		w.mu.Unlock()
		t.mu.Lock()
		t.linked = false
		t.mu.Unlock()
	}
	// There is nothing further to free in a garbage-collected runtime;
	// destroyed only gates callers that want to assert no future use.
}

// Shutdown spawns every remaining timer's callback immediately (so any
// caller blocked on its completion unblocks) and empties the wheel.
func (w *Wheel) Shutdown() {
	w.mu.Lock()
	var all []*Timer
	for t := w.head; t != nil; t = t.next {
		all = append(all, t)
	}
	w.head, w.tail = nil, nil
	w.mu.Unlock()

	for _, t := range all {
		t.mu.Lock()
		t.linked = false
		t.mu.Unlock()
		invoke := func(t *Timer) func() {
			return func() {
				t.mu.Lock()
				cancelled := t.cancelled
				t.mu.Unlock()
				if !cancelled {
					t.callback(t.arg)
				}
			}
		}(t)
		if t.pool != nil {
			t.pool.Push(invoke)
		} else {
			invoke()
		}
	}
}
