// Package bulk implements the RDMA-style bulk transfer subsystem: Handle
// registration/serialization, push/pull transfers, and the two reusable
// pool types (BulkPool, BulkPoolSet) described in spec.md §4.5.
//
// # Transport note
//
// spec.md deliberately leaves RDMA hardware specifics to the transport
// library. This implementation's transfer path moves bytes through
// whatever Transport the owning Instance was built with (see
// internal/transport) rather than touching hardware directly — exactly
// the fallback Mercury itself uses on network plugins that lack real RDMA:
// a bulk transfer becomes a two-sided send/receive of the addressed byte
// range. Handle registration therefore just validates and remembers
// segment bounds; there is no pinning step to fail.
package bulk

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

// Permission is a BulkHandle's access mode.
type Permission int

const (
	ReadOnly Permission = iota
	WriteOnly
	ReadWrite
)

// MemClass records the optional memory-class attribute spec.md §3 allows
// (host vs device memory). This runtime only ever deals in host memory,
// but the field is carried so a handle serialized here and deserialized by
// a peer running on real RDMA hardware round-trips the attribute.
type MemClass int

const (
	MemHost MemClass = iota
	MemDevice
)

// Segment is one (address, length) span of a scatter-gather BulkHandle.
// Addr is a Go byte slice rather than a raw pointer — see the package doc.
type Segment struct {
	Addr []byte
	Len  int
}

var (
	ErrEmptySegments = errors.New("bulk: no segments")
	ErrPermission    = errors.New("bulk: operation not permitted by handle's permission")
	ErrSizeMismatch  = errors.New("bulk: transfer size exceeds handle bounds")
)

// Handle is an RDMA-registrable scatter-gather memory descriptor.
type Handle struct {
	id         uint64
	segments   []Segment
	permission Permission
	class      MemClass
	foreign    bool // true if this handle was produced by Deserialize (describes a peer's memory, not ours)
	refcount   int32
}

// handleRegistry maps a Handle's id back to the live Handle that owns its
// segments' backing memory. A transfer's initiator only ever carries the
// serialized descriptor (id, permission, segment lengths) across the wire;
// the side that actually owns the addressed memory resolves the incoming id
// back to its own Handle via Lookup before reading or writing bytes — the
// same two-sided-fallback shape registry.Registry uses to resolve an
// incoming rpc id back to a local Registration.
var (
	handleRegistry sync.Map // uint64 -> *Handle
	nextHandleID   uint64
)

// Create registers segments under permission. At least one segment is
// required; for ReadOnly/WriteOnly handles a single contiguous allocation
// is preferable (spec.md §4.5) but scatter-gather is supported. The
// returned Handle is registered under a process-unique id so a peer
// forwarding that id back (after receiving it via Serialize) can be routed
// to this exact Handle by Lookup.
func Create(segments []Segment, permission Permission, class MemClass) (*Handle, error) {
	if len(segments) == 0 {
		return nil, ErrEmptySegments
	}
	cp := append([]Segment(nil), segments...)
	id := atomic.AddUint64(&nextHandleID, 1)
	h := &Handle{id: id, segments: cp, permission: permission, class: class, refcount: 1}
	handleRegistry.Store(id, h)
	return h, nil
}

// Lookup resolves a Handle previously returned by Create via its id, for use
// by the transport's inbound bulk-transfer handler.
func Lookup(id uint64) (*Handle, bool) {
	v, ok := handleRegistry.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Forget removes h from the registry so a destroyed Handle's id can no
// longer be routed to; safe to call even if h was never registered (a
// foreign Handle produced by Deserialize, for instance).
func Forget(h *Handle) {
	if h.id != 0 {
		handleRegistry.Delete(h.id)
	}
}

// ID returns the identifier a peer uses in Serialize output to address this
// Handle's memory in a later transfer. Foreign handles (from Deserialize)
// carry the id their peer originally registered.
func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Acquire() { atomic.AddInt32(&h.refcount, 1) }
func (h *Handle) Release() int32 { return atomic.AddInt32(&h.refcount, -1) }
func (h *Handle) Refcount() int32 { return atomic.LoadInt32(&h.refcount) }

func (h *Handle) Permission() Permission { return h.permission }
func (h *Handle) Segments() []Segment    { return h.segments }

// Size returns the sum of all segment lengths.
func (h *Handle) Size() int {
	n := 0
	for _, s := range h.segments {
		n += s.Len
	}
	return n
}

// sliceAt returns the contiguous window [off, off+size) across the handle's
// (possibly scattered) segments. Since this runtime only ever deals with
// in-process byte slices, a multi-segment handle's window must not span a
// segment boundary — same restriction the spec places on a single
// BulkPool slot.
func (h *Handle) sliceAt(off, size int) ([]byte, error) {
	cur := 0
	for _, s := range h.segments {
		if off >= cur && off+size <= cur+s.Len {
			rel := off - cur
			return s.Addr[rel : rel+size], nil
		}
		cur += s.Len
	}
	return nil, ErrSizeMismatch
}

// ReadAt copies size bytes starting at off out of h's backing memory. Fails
// for a WriteOnly handle — callers only ever see ReadAt when they are the
// side actually holding the addressed bytes (serving a peer's Pull or
// staging a local Push).
func (h *Handle) ReadAt(off, size int) ([]byte, error) {
	if h.permission == WriteOnly {
		return nil, ErrPermission
	}
	window, err := h.sliceAt(off, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, window)
	return out, nil
}

// WriteAt copies data into h's backing memory starting at off. Fails for a
// ReadOnly handle.
func (h *Handle) WriteAt(off int, data []byte) error {
	if h.permission == ReadOnly {
		return ErrPermission
	}
	window, err := h.sliceAt(off, len(data))
	if err != nil {
		return err
	}
	copy(window, data)
	return nil
}

// Serialize encodes h for transmission in an RPC input or output: id,
// permission, class, then each segment's length (never its address — a
// foreign Handle carries no directly-addressable memory of its own; bytes
// move by the owning side resolving the id back via Lookup and calling
// ReadAt/WriteAt on its own Handle).
func Serialize(h *Handle) []byte {
	buf := make([]byte, 0, 24+8*len(h.segments))
	buf = appendUint64(buf, h.id)
	buf = appendUint32(buf, uint32(h.permission))
	buf = appendUint32(buf, uint32(h.class))
	buf = appendUint32(buf, uint32(len(h.segments)))
	for _, s := range h.segments {
		buf = appendUint64(buf, uint64(s.Len))
	}
	return buf
}

// Deserialize decodes bytes produced by Serialize on a peer. The resulting
// Handle is "foreign": it describes the peer's memory layout (id,
// permission, segment lengths) but its Addr fields are zeroed local buffers
// allocated here purely to stage bytes in transit; the id is preserved so a
// later Transfer can forward it back to the peer to resolve via Lookup.
func Deserialize(data []byte) (*Handle, error) {
	if len(data) < 20 {
		return nil, errors.New("bulk: short buffer")
	}
	id := binary.BigEndian.Uint64(data[0:8])
	perm := Permission(binary.BigEndian.Uint32(data[8:12]))
	class := MemClass(binary.BigEndian.Uint32(data[12:16]))
	n := int(binary.BigEndian.Uint32(data[16:20]))
	off := 20
	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		if off+8 > len(data) {
			return nil, errors.New("bulk: truncated segment table")
		}
		l := int(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
		segs = append(segs, Segment{Addr: make([]byte, l), Len: l})
	}
	return &Handle{id: id, segments: segs, permission: perm, class: class, foreign: true, refcount: 1}, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
