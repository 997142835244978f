// errors.go defines the validation error types raised at the local
// mutation boundary. These are local errors: they are returned to the
// caller before any state is written and are never sent to peers.
package model

import (
	"errors"
	"fmt"
)

// ErrInvalidPath reports a malformed operation path.
var ErrInvalidPath = errors.New("invalid document path")

// UnsupportedValueKindError reports a value outside the closed kind set
// accepted by the document. Raised before any mutation is attempted.
type UnsupportedValueKindError struct {
	Got string
}

func (e *UnsupportedValueKindError) Error() string {
	return fmt.Sprintf("unsupported value kind: %s", e.Got)
}

// ValidationError reports a malformed operation (unknown kind, invalid
// path). Operations failing validation are rejected locally and never
// appended to the log.
type ValidationError struct {
	Op     Operation
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation %s@%d at %q: %s", e.Op.Peer, e.Op.Seq, e.Op.Path, e.Reason)
}

// Validate checks that the operation is well-formed: a known kind and a
// valid path. Payload shape is checked where it matters (counter deltas
// must be integers).
func (o Operation) Validate() error {
	if !o.Kind.Known() {
		return &ValidationError{Op: o, Reason: "unknown operation kind"}
	}
	if !o.Path.Valid() {
		return &ValidationError{Op: o, Reason: "malformed path"}
	}
	if o.Kind == OpCounterInc {
		if _, ok := o.Value.Scalar().(int64); !ok || o.Value.Kind() != KindScalar {
			return &ValidationError{Op: o, Reason: "counter delta must be an integer"}
		}
	}
	return nil
}
