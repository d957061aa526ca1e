package pool

import (
	"context"
	"time"
)

// multiPoolPollInterval bounds how long an ExecStream worker sleeps before
// re-checking its pools when it drains more than one pool. One channel can
// be select'd directly; draining N>1 pools without reflect.Select means
// polling, so the interval trades a little latency for not rebuilding a
// reflect.Select set on every idle wake-up of a hot scheduler loop.
const multiPoolPollInterval = 2 * time.Millisecond

// waitAnyOrTimeout checks each of chans once without blocking and returns
// true if one has fired; otherwise it waits for ctx to be done or the poll
// interval to elapse (whichever first). It reports whether the caller
// should keep going (true) or exit (false, only on ctx.Done).
func waitAnyOrTimeout(ctx context.Context, chans []<-chan struct{}) bool {
	t := time.NewTimer(multiPoolPollInterval)
	defer t.Stop()
	for _, c := range chans {
		select {
		case <-c:
			return true
		default:
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
