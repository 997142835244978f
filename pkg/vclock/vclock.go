// Package vclock implements a version vector.
//
// A version vector (Parker et al., 1983) maps each peer to the highest
// per-peer sequence number seen from that peer. Unlike a Lamport scalar
// clock it preserves concurrency information: two vectors are comparable
// only when one dominates the other pointwise.
//
//	a <= b  iff  for every peer p: a[p] <= b[p]
//	a and b are concurrent iff neither a <= b nor b <= a
//
// Entries only ever advance. Bump takes the max of the current and the
// offered sequence, and Merge is the pointwise max, so a vector never
// loses knowledge.
//
// Note: VersionVector is not goroutine-safe. Owners (the store, the
// broadcaster) guard their vector with their own lock and hand out clones.
package vclock

import (
	"github.com/daviddao/swarmdoc/pkg/model"
)

// VersionVector maps peer ID -> highest sequence number seen.
type VersionVector map[model.PeerID]uint64

// New returns an empty version vector.
func New() VersionVector {
	return make(VersionVector)
}

// Relation is the outcome of comparing two version vectors.
type Relation int

const (
	Equal Relation = iota
	Less
	Greater
	Concurrent
)

// String returns the relation's name.
func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Bump records that seq from peer has been seen: vv[peer] = max(vv[peer], seq).
func (vv VersionVector) Bump(peer model.PeerID, seq uint64) {
	if seq > vv[peer] {
		vv[peer] = seq
	}
}

// Merge folds other into vv pointwise: vv[p] = max(vv[p], other[p]).
// Merge is associative, commutative, and idempotent.
func (vv VersionVector) Merge(other VersionVector) {
	for p, seq := range other {
		if seq > vv[p] {
			vv[p] = seq
		}
	}
}

// Dominates reports whether vv has seen (peer, seq): vv[peer] >= seq.
func (vv VersionVector) Dominates(peer model.PeerID, seq uint64) bool {
	return vv[peer] >= seq
}

// DominatesOp reports whether vv has seen the operation's dot.
func (vv VersionVector) DominatesOp(op model.Operation) bool {
	return vv.Dominates(op.Peer, op.Seq)
}

// LessEq reports whether vv <= other in the pointwise partial order.
func (vv VersionVector) LessEq(other VersionVector) bool {
	for p, seq := range vv {
		if seq > other[p] {
			return false
		}
	}
	return true
}

// Compare classifies vv against other: Equal, Less, Greater, or Concurrent.
// Compare is consistent with DominatesOp: if vv.Compare(other) is Greater
// or Equal, vv dominates every dot other dominates.
func (vv VersionVector) Compare(other VersionVector) Relation {
	le := vv.LessEq(other)
	ge := other.LessEq(vv)
	switch {
	case le && ge:
		return Equal
	case le:
		return Less
	case ge:
		return Greater
	default:
		return Concurrent
	}
}

// Clone returns an independent copy.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for p, seq := range vv {
		out[p] = seq
	}
	return out
}
