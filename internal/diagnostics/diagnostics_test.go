package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/corerpc/internal/metrics"
	"github.com/oriys/corerpc/internal/pool"
)

type fakePoolSizer struct {
	pools []*pool.Pool
}

func (f *fakePoolSizer) Pools() []*pool.Pool { return f.pools }

func TestWriterSinkWritesNDJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	m := metrics.New()
	m.RecordForward(false, false)

	snap := Snapshot{Timestamp: time.Unix(0, 0), Metrics: m.Snapshot()}
	if err := sink.Write(context.Background(), snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Metrics.ForwardsTotal != 1 {
		t.Fatalf("expected forwards_total=1, got %+v", decoded.Metrics)
	}
}

func TestEmitterSnapshotIncludesPoolOccupancy(t *testing.T) {
	p := pool.New("__primary__", 0, pool.KindFIFOWait, pool.AccessMPMC, true)
	p.Push(func() {})

	m := metrics.New()
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	e, err := New(m, &fakePoolSizer{pools: []*pool.Pool{p}}, sink, time.Second)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}

	snap := e.Snapshot()
	occ, ok := snap.Pools["__primary__"]
	if !ok {
		t.Fatalf("expected __primary__ in snapshot pools, got %+v", snap.Pools)
	}
	if occ.Total != 1 {
		t.Fatalf("expected total=1, got %+v", occ)
	}
}

func TestNewSinkDefaultsToStdout(t *testing.T) {
	sink, closer, err := NewSink("")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer closer.Close()
	if _, ok := sink.(*WriterSink); !ok {
		t.Fatalf("expected *WriterSink, got %T", sink)
	}
}
