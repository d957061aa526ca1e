//go:build linux

package pool

import (
	"runtime"

	"github.com/oriys/corerpc/internal/logging"
	"golang.org/x/sys/unix"
)

// pinToCPU locks the calling goroutine to its OS thread and attempts to
// restrict that thread to cpu via sched_setaffinity. Pinning is a
// best-effort optimization (spec.md §4.1.a): failures are logged and the
// worker keeps running unpinned rather than failing ExecStream creation.
func pinToCPU(cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logging.Op().Warn("execstream: cpu pin failed", "cpu", cpu, "error", err)
	}
}
