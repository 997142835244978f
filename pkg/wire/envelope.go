// Package wire implements the envelope framing for peer messages.
//
// An envelope is the wire unit: protocol version, message type, sender
// peer ID, and an opaque msgpack payload. Decoding is strict — unknown
// versions, unknown type tags, missing fields, wrong field types, and
// truncated input all fail with a typed DecodeError. There is no
// permissive defaulting: a malformed peer message must never silently
// corrupt local state, so the only safe way to handle one is to drop it.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/swarmdoc/pkg/model"
)

// ProtocolVersion is the envelope format version this build speaks.
const ProtocolVersion = 1

// MsgType tags the kind of message an envelope carries.
type MsgType uint8

const (
	// MsgOperationBatch carries a Batch payload of operations plus the
	// sender's version vector.
	MsgOperationBatch MsgType = iota + 1
	// MsgHandshake announces the sender to the server or a peer.
	MsgHandshake
	// MsgAck acknowledges receipt; payload is the receiver's version
	// vector (an Ack payload).
	MsgAck
	// MsgError reports a peer-visible failure.
	MsgError
	// MsgHeartbeat is a liveness beacon with no payload.
	MsgHeartbeat
	// MsgSnapshotRequest asks a peer for a full snapshot.
	MsgSnapshotRequest
	// MsgSnapshotResponse carries opaque snapshot bytes for a late joiner.
	MsgSnapshotResponse
)

// String returns the wire-stable name of the message type.
func (t MsgType) String() string {
	switch t {
	case MsgOperationBatch:
		return "operation_batch"
	case MsgHandshake:
		return "handshake"
	case MsgAck:
		return "ack"
	case MsgError:
		return "error"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgSnapshotRequest:
		return "snapshot_request"
	case MsgSnapshotResponse:
		return "snapshot_response"
	default:
		return "unknown"
	}
}

// Envelope is one framed wire message. Created per send, discarded after
// decode.
type Envelope struct {
	Version int
	Type    MsgType
	Sender  model.PeerID
	Payload []byte
}

// wireEnvelope is the encoded shape: short keys, msgpack map.
type wireEnvelope struct {
	Version int    `msgpack:"v"`
	Type    uint8  `msgpack:"t"`
	Sender  string `msgpack:"s"`
	Payload []byte `msgpack:"p"`
}

// NewEnvelope builds an envelope at the current protocol version.
func NewEnvelope(t MsgType, sender model.PeerID, payload []byte) *Envelope {
	return &Envelope{
		Version: ProtocolVersion,
		Type:    t,
		Sender:  sender,
		Payload: payload,
	}
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return msgpack.Marshal(wireEnvelope{
		Version: e.Version,
		Type:    uint8(e.Type),
		Sender:  string(e.Sender),
		Payload: e.Payload,
	})
}

// Decode parses an envelope, failing with a typed DecodeError on any
// malformed input. Field presence and types are checked explicitly
// rather than relying on decoder defaults.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Reason: ReasonTruncated, Err: err}
	}
	if raw == nil {
		return nil, &DecodeError{Reason: ReasonBadType, Detail: "envelope is not a map"}
	}
	for _, field := range []string{"v", "t", "s", "p"} {
		if _, ok := raw[field]; !ok {
			return nil, &DecodeError{Reason: ReasonMissingField, Detail: field}
		}
	}

	version, ok := asInt(raw["v"])
	if !ok {
		return nil, &DecodeError{Reason: ReasonBadType, Detail: "v must be an integer"}
	}
	if version != ProtocolVersion {
		return nil, &DecodeError{Reason: ReasonVersionMismatch, Detail: "unsupported version"}
	}

	tag, ok := asInt(raw["t"])
	if !ok {
		return nil, &DecodeError{Reason: ReasonBadType, Detail: "t must be an integer"}
	}
	// Range-check before narrowing so an out-of-range tag cannot alias a
	// valid type.
	if tag < int64(MsgOperationBatch) || tag > int64(MsgSnapshotResponse) {
		return nil, &DecodeError{Reason: ReasonUnknownType, Detail: "unknown message type tag"}
	}
	typ := MsgType(tag)

	sender, ok := raw["s"].(string)
	if !ok {
		return nil, &DecodeError{Reason: ReasonBadType, Detail: "s must be a string"}
	}

	payload, ok := asBytes(raw["p"])
	if !ok {
		return nil, &DecodeError{Reason: ReasonBadType, Detail: "p must be binary"}
	}

	return &Envelope{
		Version: int(version),
		Type:    typ,
		Sender:  model.PeerID(sender),
		Payload: payload,
	}, nil
}

// asInt accepts every integer width the msgpack decoder may produce for
// an interface target.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}
