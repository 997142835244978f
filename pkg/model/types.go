// Package model defines the core domain types for swarmdoc.
//
// Swarmdoc replicates mutable state between independent agents using two
// ideas:
//
//   - Operation-based CRDTs (Shapiro et al., 2011): every local mutation is
//     captured as an immutable Operation; replicas exchange operations and
//     apply them with a merge rule that is commutative for concurrent
//     operations and idempotent under redelivery, so all replicas converge
//     without a coordinator.
//
//   - Version vectors (Parker et al., 1983): per-peer counters summarizing
//     which operations a replica has seen. They establish causal dominance
//     and let a replica compute exactly the delta another replica is
//     missing.
//
// Every Operation is uniquely keyed by its (Peer, Seq) pair — its dot.
// Sequence numbers are per-peer and strictly increasing, so a version
// vector entry vv[peer] >= seq means "seen".
package model

import (
	"strings"

	"github.com/google/uuid"
)

// PeerID identifies a participating replica. Generated with NewPeerID at
// agent startup, or supplied externally when identity is managed elsewhere
// (e.g. by an authenticating server).
type PeerID string

// NewPeerID returns a fresh random peer identity.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Dot is the unique identity of an operation: the originating peer and its
// per-peer sequence number.
type Dot struct {
	Peer PeerID `msgpack:"p" json:"peer"`
	Seq  uint64 `msgpack:"s" json:"seq"`
}

// Path addresses a logical slot in the replicated document. The first
// element is the namespace name, subsequent elements descend into nested
// maps. A path must be non-empty and no element may be empty or contain
// the separator.
type Path []string

// PathSeparator joins path elements in the canonical string form.
const PathSeparator = "."

// String returns the canonical dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, PathSeparator)
}

// Valid reports whether the path is well-formed.
func (p Path) Valid() bool {
	if len(p) == 0 {
		return false
	}
	for _, el := range p {
		if el == "" || strings.Contains(el, PathSeparator) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// OpKind enumerates the mutation kinds an Operation can carry.
type OpKind uint8

const (
	// OpAssign writes a value at a map key. Concurrent assigns to the same
	// slot resolve last-writer-wins by (Seq, Peer).
	OpAssign OpKind = iota + 1
	// OpDelete removes a map key. Competes with assigns under the same
	// last-writer-wins rule.
	OpDelete
	// OpSetAdd inserts an element into an observed-remove set.
	OpSetAdd
	// OpSetRemove removes an element from an observed-remove set. It covers
	// only the add dots it causally observed; a concurrent add survives.
	OpSetRemove
	// OpCounterInc adds a signed delta to a counter. Counters merge by
	// summing per-peer deltas.
	OpCounterInc
	// OpRegisterAssign writes a last-writer-wins register, tie-broken by
	// (Seq, Peer) like OpAssign. Kept distinct so register slots can be
	// told apart from plain map values.
	OpRegisterAssign
)

// String returns the wire-stable name of the kind.
func (k OpKind) String() string {
	switch k {
	case OpAssign:
		return "assign"
	case OpDelete:
		return "delete"
	case OpSetAdd:
		return "set_add"
	case OpSetRemove:
		return "set_remove"
	case OpCounterInc:
		return "counter_inc"
	case OpRegisterAssign:
		return "register_assign"
	default:
		return "unknown"
	}
}

// Known reports whether the kind is one of the defined mutation kinds.
func (k OpKind) Known() bool {
	return k >= OpAssign && k <= OpRegisterAssign
}

// Operation is a single immutable entry in the replicated operation log.
// Once created it is never mutated; replicas deduplicate by Dot.
type Operation struct {
	Peer PeerID `msgpack:"p" json:"peer"`
	Seq  uint64 `msgpack:"q" json:"seq"`
	Path Path   `msgpack:"a" json:"path"`
	Kind OpKind `msgpack:"k" json:"kind"`

	// Value is the payload: the assigned value for OpAssign and
	// OpRegisterAssign, the element for OpSetAdd and OpSetRemove, the
	// signed delta (scalar int) for OpCounterInc. Unused for OpDelete.
	Value Value `msgpack:"v" json:"value"`

	// Observed lists the add dots an OpSetRemove had seen for the element
	// at the time of removal. Unused for all other kinds.
	Observed []Dot `msgpack:"o,omitempty" json:"observed,omitempty"`
}

// Dot returns the operation's unique (peer, seq) identity.
func (o Operation) Dot() Dot {
	return Dot{Peer: o.Peer, Seq: o.Seq}
}

// Supersedes reports whether this operation wins a last-writer-wins
// conflict against other. Higher sequence wins; equal sequences are
// tie-broken by peer ID (lexicographic), giving every replica the same
// deterministic outcome.
func (o Operation) Supersedes(other Operation) bool {
	if o.Seq != other.Seq {
		return o.Seq > other.Seq
	}
	return o.Peer > other.Peer
}
