package transport

import (
	"encoding/binary"
	"errors"

	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/registry"
)

// errKind tags a failed Call's response so the client can reconstitute the
// same sentinel error the server saw, letting dispatch's statusFromErr
// classify it identically on both sides of the wire. This is the transport
// binding's own concern, layered on top of (not instead of) spec.md §6's
// wire envelope — the envelope itself carries only the breadcrumb.
type errKind byte

const (
	errNone errKind = iota
	errPermissionDenied
	errNotFound
	errOther
)

var errOtherSentinel = errors.New("transport: remote handler error")

// encodeCallRequest builds the request message body: the spec.md §6 wire
// envelope (8-byte little-endian breadcrumb) prepended to the rpc id (8
// bytes, big-endian — matching rpcid's own internal byte order) and the
// caller's serialized payload.
func encodeCallRequest(id uint64, breadcrumb uint64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], breadcrumb)
	binary.BigEndian.PutUint64(buf[8:16], id)
	copy(buf[16:], payload)
	return buf
}

func decodeCallRequest(data []byte) (id uint64, breadcrumb uint64, payload []byte, err error) {
	if len(data) < 16 {
		return 0, 0, nil, errors.New("transport: short call request")
	}
	breadcrumb = binary.LittleEndian.Uint64(data[0:8])
	id = binary.BigEndian.Uint64(data[8:16])
	payload = data[16:]
	return id, breadcrumb, payload, nil
}

func encodeCallResponse(kind errKind, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	return buf
}

func decodeCallResponse(data []byte) (errKind, []byte, error) {
	if len(data) < 1 {
		return errOther, nil, errors.New("transport: empty call response")
	}
	return errKind(data[0]), data[1:], nil
}

func kindForErr(err error) errKind {
	switch {
	case err == nil:
		return errNone
	case errors.Is(err, dispatch.ErrPermissionDenied):
		return errPermissionDenied
	case errors.Is(err, registry.ErrNotFound):
		return errNotFound
	default:
		return errOther
	}
}

func errForKind(kind errKind) error {
	switch kind {
	case errNone:
		return nil
	case errPermissionDenied:
		return dispatch.ErrPermissionDenied
	case errNotFound:
		return registry.ErrNotFound
	default:
		return errOtherSentinel
	}
}

// encodeBulkPushRequest: handle id (8 bytes BE) + offset (8 bytes BE) + data.
func encodeBulkPushRequest(handleID uint64, offset int, data []byte) []byte {
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint64(buf[0:8], handleID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	copy(buf[16:], data)
	return buf
}

func decodeBulkPushRequest(data []byte) (handleID uint64, offset int, payload []byte, err error) {
	if len(data) < 16 {
		return 0, 0, nil, errors.New("transport: short bulk push request")
	}
	handleID = binary.BigEndian.Uint64(data[0:8])
	offset = int(binary.BigEndian.Uint64(data[8:16]))
	payload = data[16:]
	return handleID, offset, payload, nil
}

// encodeBulkPullRequest: handle id (8 bytes BE) + offset (8 bytes BE) + size (8 bytes BE).
func encodeBulkPullRequest(handleID uint64, offset, size int) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], handleID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(size))
	return buf
}

func decodeBulkPullRequest(data []byte) (handleID uint64, offset, size int, err error) {
	if len(data) != 24 {
		return 0, 0, 0, errors.New("transport: malformed bulk pull request")
	}
	handleID = binary.BigEndian.Uint64(data[0:8])
	offset = int(binary.BigEndian.Uint64(data[8:16]))
	size = int(binary.BigEndian.Uint64(data[16:24]))
	return handleID, offset, size, nil
}
