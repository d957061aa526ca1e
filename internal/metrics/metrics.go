// Package metrics collects and exposes runtime observability data for the
// RPC/ULT engine.
//
// Two metric stores coexist, matching the split the teacher codebase used
// for its invocation counters:
//
//  1. The in-process Metrics struct (atomic counters) for a lightweight
//     JSON diagnostics snapshot (see internal/diagnostics).
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordForward/RecordBulkTransfer are cheap enough for a per-operation hot
// path: every counter here is a plain atomic increment, no locks, no
// channels. The dispatch and bulk packages do not call them; the counters
// change only when a caller invokes these methods directly.
package metrics

import (
	"sync/atomic"
)

// Metrics is the per-Instance atomic counter set.
type Metrics struct {
	forwardsTotal    int64
	forwardsFailed   int64
	forwardsTimedOut int64
	respondsTotal    int64

	bulkTransfersTotal  int64
	bulkBytesPushed     int64
	bulkBytesPulled     int64
	bulkTransfersFailed int64

	timersScheduled int64
	timersFired     int64
	timersCancelled int64

	finalizeRequests int64
}

// New creates an empty Metrics set.
func New() *Metrics { return &Metrics{} }

func (m *Metrics) RecordForward(failed, timedOut bool) {
	atomic.AddInt64(&m.forwardsTotal, 1)
	if failed {
		atomic.AddInt64(&m.forwardsFailed, 1)
	}
	if timedOut {
		atomic.AddInt64(&m.forwardsTimedOut, 1)
	}
}

func (m *Metrics) RecordRespond() { atomic.AddInt64(&m.respondsTotal, 1) }

func (m *Metrics) RecordBulkTransfer(pushed bool, bytes int, failed bool) {
	atomic.AddInt64(&m.bulkTransfersTotal, 1)
	if failed {
		atomic.AddInt64(&m.bulkTransfersFailed, 1)
		return
	}
	if pushed {
		atomic.AddInt64(&m.bulkBytesPushed, int64(bytes))
	} else {
		atomic.AddInt64(&m.bulkBytesPulled, int64(bytes))
	}
}

func (m *Metrics) RecordTimerScheduled() { atomic.AddInt64(&m.timersScheduled, 1) }
func (m *Metrics) RecordTimerFired()     { atomic.AddInt64(&m.timersFired, 1) }
func (m *Metrics) RecordTimerCancelled() { atomic.AddInt64(&m.timersCancelled, 1) }
func (m *Metrics) RecordFinalizeRequest() { atomic.AddInt64(&m.finalizeRequests, 1) }

// Snapshot is the JSON-serializable point-in-time dump SPEC_FULL.md's
// diagnostics emitter publishes.
type Snapshot struct {
	ForwardsTotal    int64 `json:"forwards_total"`
	ForwardsFailed   int64 `json:"forwards_failed"`
	ForwardsTimedOut int64 `json:"forwards_timed_out"`
	RespondsTotal    int64 `json:"responds_total"`

	BulkTransfersTotal  int64 `json:"bulk_transfers_total"`
	BulkBytesPushed     int64 `json:"bulk_bytes_pushed"`
	BulkBytesPulled     int64 `json:"bulk_bytes_pulled"`
	BulkTransfersFailed int64 `json:"bulk_transfers_failed"`

	TimersScheduled int64 `json:"timers_scheduled"`
	TimersFired     int64 `json:"timers_fired"`
	TimersCancelled int64 `json:"timers_cancelled"`

	FinalizeRequests int64 `json:"finalize_requests"`
}

// Snapshot reads every counter under no lock (each is its own atomic), so
// the returned Snapshot is not a single consistent instant across fields —
// acceptable here since diagnostics consumers treat each field
// independently (spec.md's testable property only requires pool sizes to
// be self-consistent, and those come from internal/pool, not here).
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ForwardsTotal:       atomic.LoadInt64(&m.forwardsTotal),
		ForwardsFailed:      atomic.LoadInt64(&m.forwardsFailed),
		ForwardsTimedOut:    atomic.LoadInt64(&m.forwardsTimedOut),
		RespondsTotal:       atomic.LoadInt64(&m.respondsTotal),
		BulkTransfersTotal:  atomic.LoadInt64(&m.bulkTransfersTotal),
		BulkBytesPushed:     atomic.LoadInt64(&m.bulkBytesPushed),
		BulkBytesPulled:     atomic.LoadInt64(&m.bulkBytesPulled),
		BulkTransfersFailed: atomic.LoadInt64(&m.bulkTransfersFailed),
		TimersScheduled:     atomic.LoadInt64(&m.timersScheduled),
		TimersFired:         atomic.LoadInt64(&m.timersFired),
		TimersCancelled:     atomic.LoadInt64(&m.timersCancelled),
		FinalizeRequests:    atomic.LoadInt64(&m.finalizeRequests),
	}
}
