package request

import "context"

// WaitAny blocks until the first of reqs completes or ctx is done,
// returning its index. spec.md §9 leaves the no-associated-timer case
// implementation-defined; this implementation follows the recommended
// behavior verbatim: if ctx expires first, it returns index -1 with
// StatusTimeout rather than guessing which Request the caller meant.
func WaitAny(ctx context.Context, reqs []*Request) (index int, status Status, output []byte, err error) {
	if len(reqs) == 0 {
		return -1, StatusOther, nil, ErrOther
	}
	// A small fixed fan-in is the common case (wait_any is typically used
	// across a handful of in-flight forwards); spin a goroutine per
	// Request that reports back over a shared channel rather than
	// building a reflect.Select set for an arbitrary N.
	type result struct {
		idx    int
		status Status
		output []byte
	}
	resultCh := make(chan result, len(reqs))
	stop := make(chan struct{})
	defer close(stop)

	for i, r := range reqs {
		i, r := i, r
		go func() {
			select {
			case <-r.Done():
				st, out, _ := r.TryResult()
				select {
				case resultCh <- result{i, st, out}:
				case <-stop:
				}
			case <-stop:
			}
		}()
	}

	select {
	case res := <-resultCh:
		return res.idx, res.status, res.output, res.status.Error()
	case <-ctx.Done():
		return -1, StatusTimeout, nil, ctx.Err()
	}
}
