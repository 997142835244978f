// value.go implements the document value representation: a closed tagged
// union replacing the loosely-typed values the namespace API accepts.
// Values are validated and normalized once, at the boundary, so that
// structurally equal inputs compare and hash identically everywhere else.
package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the variants of the Value union.
type Kind uint8

const (
	// KindAbsent is the zero Value: no value present at the slot.
	KindAbsent Kind = iota
	// KindScalar holds nil, bool, int64, float64, string, or []byte.
	KindScalar
	// KindList holds an ordered sequence of Values.
	KindList
	// KindMap holds string-keyed Values.
	KindMap
	// KindSet is a read-side view of an observed-remove set slot.
	KindSet
	// KindCounter is a read-side view of a counter slot (summed total).
	KindCounter
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// Value is the document value type. The zero Value is KindAbsent.
// Values are immutable by convention: never mutate a Value after
// constructing it with FromNative or one of the view constructors.
type Value struct {
	kind   Kind
	scalar any // KindScalar: nil | bool | int64 | float64 | string | []byte
	list   []Value
	m      map[string]Value
}

// Absent is the "no value" Value.
var Absent = Value{}

// FromNative validates and normalizes a native Go value into a Value.
// Accepted inputs: nil, bool, all integer widths (normalized to int64),
// float32/float64 (normalized to float64), string, []byte, slices and
// arrays of accepted inputs (normalized to a list), map[string]any of
// accepted inputs, and Value itself. Anything else fails with
// UnsupportedValueKindError before any normalization output is produced.
func FromNative(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case nil:
		return Value{kind: KindScalar, scalar: nil}, nil
	case bool:
		return Value{kind: KindScalar, scalar: x}, nil
	case int:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case int8:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case int16:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case int32:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case int64:
		return Value{kind: KindScalar, scalar: x}, nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case uint16:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case uint32:
		return Value{kind: KindScalar, scalar: int64(x)}, nil
	case uint64:
		return uintValue(x)
	case float32:
		return Value{kind: KindScalar, scalar: float64(x)}, nil
	case float64:
		return Value{kind: KindScalar, scalar: x}, nil
	case string:
		return Value{kind: KindScalar, scalar: x}, nil
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return Value{kind: KindScalar, scalar: b}, nil
	case []any:
		return listFromNative(x)
	case []Value:
		out := make([]Value, len(x))
		copy(out, x)
		return Value{kind: KindList, list: out}, nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return listFromNative(items)
	case []int:
		items := make([]any, len(x))
		for i, n := range x {
			items[i] = n
		}
		return listFromNative(items)
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, raw := range x {
			vv, err := FromNative(raw)
			if err != nil {
				return Value{}, err
			}
			m[k] = vv
		}
		return Value{kind: KindMap, m: m}, nil
	case map[string]Value:
		m := make(map[string]Value, len(x))
		for k, vv := range x {
			m[k] = vv
		}
		return Value{kind: KindMap, m: m}, nil
	case map[any]any:
		m := make(map[string]Value, len(x))
		for k, raw := range x {
			ks, ok := k.(string)
			if !ok {
				return Value{}, &UnsupportedValueKindError{Got: fmt.Sprintf("map key %T", k)}
			}
			vv, err := FromNative(raw)
			if err != nil {
				return Value{}, err
			}
			m[ks] = vv
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, &UnsupportedValueKindError{Got: fmt.Sprintf("%T", v)}
	}
}

func uintValue(x uint64) (Value, error) {
	if x > math.MaxInt64 {
		return Value{}, &UnsupportedValueKindError{Got: "uint64 overflowing int64"}
	}
	return Value{kind: KindScalar, scalar: int64(x)}, nil
}

func listFromNative(items []any) (Value, error) {
	out := make([]Value, len(items))
	for i, raw := range items {
		vv, err := FromNative(raw)
		if err != nil {
			return Value{}, err
		}
		out[i] = vv
	}
	return Value{kind: KindList, list: out}, nil
}

// MustValue is FromNative that panics on invalid input. Test helper.
func MustValue(v any) Value {
	vv, err := FromNative(v)
	if err != nil {
		panic(err)
	}
	return vv
}

// Int returns a scalar int64 Value. Counter deltas use this.
func Int(n int64) Value {
	return Value{kind: KindScalar, scalar: n}
}

// SetView builds a read-side set snapshot from its elements, sorted
// canonically so all replicas render the same order.
func SetView(elems []Value) Value {
	out := make([]Value, len(elems))
	copy(out, elems)
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical() < out[j].Canonical() })
	return Value{kind: KindSet, list: out}
}

// CounterView builds a read-side counter snapshot.
func CounterView(total int64) Value {
	return Value{kind: KindCounter, scalar: total}
}

// Kind returns the union tag.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether no value is present.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Scalar returns the scalar payload. Valid for KindScalar and KindCounter.
func (v Value) Scalar() any { return v.scalar }

// Int64 returns the scalar as an int64, or 0 if it is not one.
func (v Value) Int64() int64 {
	n, _ := v.scalar.(int64)
	return n
}

// List returns the list payload (shared; do not mutate). Valid for
// KindList and KindSet.
func (v Value) List() []Value { return v.list }

// Map returns the map payload (shared; do not mutate).
func (v Value) Map() map[string]Value { return v.m }

// Native converts the Value back to a plain Go representation: scalars as
// themselves, lists and sets as []any, maps as map[string]any, counters as
// int64, absent as nil.
func (v Value) Native() any {
	switch v.kind {
	case KindScalar, KindCounter:
		return v.scalar
	case KindList, KindSet:
		out := make([]any, len(v.list))
		for i, el := range v.list {
			out[i] = el.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, el := range v.m {
			out[k] = el.Native()
		}
		return out
	default:
		return nil
	}
}

// Canonical returns a deterministic string encoding of the value.
// Structurally equal values produce identical canonical strings, which is
// what gives set elements a stable identity across replicas.
func (v Value) Canonical() string {
	var b strings.Builder
	v.canonical(&b)
	return b.String()
}

func (v Value) canonical(b *strings.Builder) {
	switch v.kind {
	case KindAbsent:
		b.WriteString("_")
	case KindScalar, KindCounter:
		switch s := v.scalar.(type) {
		case nil:
			b.WriteString("z")
		case bool:
			if s {
				b.WriteString("b1")
			} else {
				b.WriteString("b0")
			}
		case int64:
			b.WriteString("i")
			b.WriteString(strconv.FormatInt(s, 10))
		case float64:
			b.WriteString("f")
			b.WriteString(strconv.FormatFloat(s, 'g', -1, 64))
		case string:
			b.WriteString("s")
			b.WriteString(strconv.Quote(s))
		case []byte:
			b.WriteString("x")
			b.WriteString(fmt.Sprintf("%x", s))
		}
	case KindList, KindSet:
		b.WriteString("[")
		for i, el := range v.list {
			if i > 0 {
				b.WriteString(",")
			}
			el.canonical(b)
		}
		b.WriteString("]")
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(":")
			el := v.m[k]
			el.canonical(b)
		}
		b.WriteString("}")
	}
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && v.Canonical() == other.Canonical()
}

var (
	_ msgpack.CustomEncoder = (*Value)(nil)
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack writes the value as its native tree. Only scalar, list and
// map values cross the wire (set and counter views are local read-side
// projections), so the native form is lossless for operation payloads.
func (v *Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(v.wireForm())
}

func (v Value) wireForm() any {
	switch v.kind {
	case KindScalar, KindCounter:
		return v.scalar
	case KindList, KindSet:
		out := make([]any, len(v.list))
		for i, el := range v.list {
			out[i] = el.wireForm()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, el := range v.m {
			out[k] = el.wireForm()
		}
		return out
	default:
		return nil
	}
}

// DecodeMsgpack reads a native tree and normalizes it through FromNative,
// so a decoded Value is indistinguishable from a locally constructed one.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	vv, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = vv
	return nil
}
