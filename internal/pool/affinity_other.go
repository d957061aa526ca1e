//go:build !linux

package pool

// pinToCPU is a no-op on non-Linux platforms; CPU affinity is a Linux-only
// optimization (spec.md §4.1.a).
func pinToCPU(cpu int) {}
