// errors.go defines the typed decode failure taxonomy. Receivers branch
// on Reason to decide logging detail; every reason results in the same
// action: drop the message.
package wire

import "fmt"

// DecodeReason classifies why an envelope or payload failed to decode.
type DecodeReason string

const (
	ReasonVersionMismatch DecodeReason = "version_mismatch"
	ReasonTruncated       DecodeReason = "truncated"
	ReasonMissingField    DecodeReason = "missing_field"
	ReasonBadType         DecodeReason = "bad_type"
	ReasonUnknownType     DecodeReason = "unknown_type"
)

// DecodeError reports a malformed wire message. The offending message is
// dropped and logged; decode failures never tear down the connection by
// themselves.
type DecodeError struct {
	Reason DecodeReason
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("decode %s: %s: %v", e.Reason, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("decode %s: %s", e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("decode %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("decode %s", e.Reason)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }
