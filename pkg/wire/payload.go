// payload.go defines the typed payloads carried inside envelopes and
// their codecs. Payloads are msgpack like the envelope itself.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// Batch is the operation_batch payload: an ordered sequence of
// operations plus the sender's version vector at send time. The receiver
// applies the operations and merges the vector into its last-synced
// state.
type Batch struct {
	Ops     []model.Operation    `msgpack:"ops"`
	Version vclock.VersionVector `msgpack:"vv"`
}

// EncodeBatch serializes a batch payload.
func EncodeBatch(ops []model.Operation, vv vclock.VersionVector) ([]byte, error) {
	return msgpack.Marshal(Batch{Ops: ops, Version: vv})
}

// DecodeBatch parses a batch payload. Any failure is a typed
// DecodeError; batches never partially decode.
func DecodeBatch(payload []byte) (*Batch, error) {
	var b Batch
	if err := msgpack.Unmarshal(payload, &b); err != nil {
		return nil, &DecodeError{Reason: ReasonTruncated, Detail: "operation batch", Err: err}
	}
	return &b, nil
}

// Handshake announces a peer's identity; the optional token is a bearer
// credential checked when the server runs in authenticated mode.
type Handshake struct {
	Peer  string `msgpack:"peer"`
	Token string `msgpack:"token,omitempty"`
}

// EncodeHandshake serializes a handshake payload.
func EncodeHandshake(h Handshake) ([]byte, error) {
	return msgpack.Marshal(h)
}

// DecodeHandshake parses a handshake payload, requiring the peer field.
func DecodeHandshake(payload []byte) (*Handshake, error) {
	var h Handshake
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return nil, &DecodeError{Reason: ReasonTruncated, Detail: "handshake", Err: err}
	}
	if h.Peer == "" {
		return nil, &DecodeError{Reason: ReasonMissingField, Detail: "handshake peer"}
	}
	return &h, nil
}

// Ack carries the receiver's version vector after applying a batch.
type Ack struct {
	Version vclock.VersionVector `msgpack:"vv"`
}

// EncodeAck serializes an ack payload.
func EncodeAck(vv vclock.VersionVector) ([]byte, error) {
	return msgpack.Marshal(Ack{Version: vv})
}

// DecodeAck parses an ack payload.
func DecodeAck(payload []byte) (*Ack, error) {
	var a Ack
	if err := msgpack.Unmarshal(payload, &a); err != nil {
		return nil, &DecodeError{Reason: ReasonTruncated, Detail: "ack", Err: err}
	}
	return &a, nil
}

// ErrorPayload reports a peer-visible failure without tearing down the
// stream.
type ErrorPayload struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// EncodeError serializes an error payload.
func EncodeError(code, message string) ([]byte, error) {
	return msgpack.Marshal(ErrorPayload{Code: code, Message: message})
}

// DecodeErrorPayload parses an error payload.
func DecodeErrorPayload(payload []byte) (*ErrorPayload, error) {
	var e ErrorPayload
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return nil, &DecodeError{Reason: ReasonTruncated, Detail: "error payload", Err: err}
	}
	return &e, nil
}
