// slot.go holds the per-slot merge state. A slot is one logical location
// in the document: a map key, a register, a counter, or a set. Slot state
// is a pure function of the operations applied to it — application order
// never matters.
package doc

import (
	"github.com/daviddao/swarmdoc/pkg/model"
)

type slot struct {
	// reg is the current last-writer-wins winner among assign, delete and
	// register-assign operations, nil if none applied yet.
	reg *model.Operation

	// counts holds summed counter deltas per peer.
	counts map[model.PeerID]int64

	// elems holds observed-remove set state keyed by the element's
	// canonical encoding.
	elems map[string]*setElem
}

type setElem struct {
	value model.Value
	// adds holds every add dot seen for the element. removed holds the
	// add dots covered by removes. The element is present iff some add
	// dot is not covered. A remove can arrive before the adds it covers;
	// the covered dots are remembered either way, so order is irrelevant.
	adds    map[model.Dot]struct{}
	removed map[model.Dot]struct{}
}

func newSlot() *slot {
	return &slot{}
}

func (sl *slot) apply(op model.Operation) {
	switch op.Kind {
	case model.OpAssign, model.OpDelete, model.OpRegisterAssign:
		if sl.reg == nil || op.Supersedes(*sl.reg) {
			o := op
			sl.reg = &o
		}
	case model.OpCounterInc:
		if sl.counts == nil {
			sl.counts = make(map[model.PeerID]int64)
		}
		sl.counts[op.Peer] += op.Value.Int64()
	case model.OpSetAdd:
		e := sl.elem(op.Value)
		e.value = op.Value
		e.adds[op.Dot()] = struct{}{}
	case model.OpSetRemove:
		e := sl.elem(op.Value)
		for _, d := range op.Observed {
			e.removed[d] = struct{}{}
		}
	}
}

func (sl *slot) elem(v model.Value) *setElem {
	if sl.elems == nil {
		sl.elems = make(map[string]*setElem)
	}
	key := v.Canonical()
	e := sl.elems[key]
	if e == nil {
		e = &setElem{
			value:   v,
			adds:    make(map[model.Dot]struct{}),
			removed: make(map[model.Dot]struct{}),
		}
		sl.elems[key] = e
	}
	return e
}

func (e *setElem) present() bool {
	for d := range e.adds {
		if _, covered := e.removed[d]; !covered {
			return true
		}
	}
	return false
}

// liveAddDots returns the element's uncovered add dots. A remove covers
// exactly these at the moment it is issued.
func (e *setElem) liveAddDots() []model.Dot {
	var out []model.Dot
	for d := range e.adds {
		if _, covered := e.removed[d]; !covered {
			out = append(out, d)
		}
	}
	return out
}

// value renders the slot's current value. Precedence when a slot has been
// used as more than one container kind (an application error, but one the
// engine must render deterministically): set state, then counter state,
// then register state.
func (sl *slot) value() model.Value {
	if len(sl.elems) > 0 {
		var live []model.Value
		for _, e := range sl.elems {
			if e.present() {
				live = append(live, e.value)
			}
		}
		return model.SetView(live)
	}
	if sl.counts != nil {
		var total int64
		for _, n := range sl.counts {
			total += n
		}
		return model.CounterView(total)
	}
	if sl.reg != nil && sl.reg.Kind != model.OpDelete {
		return sl.reg.Value
	}
	return model.Absent
}

// observedDots returns the live add dots for element v, used to build a
// remove operation that covers exactly what the remover has seen.
func (sl *slot) observedDots(v model.Value) []model.Dot {
	if sl.elems == nil {
		return nil
	}
	e := sl.elems[v.Canonical()]
	if e == nil {
		return nil
	}
	return e.liveAddDots()
}
