// namespace.go implements the typed view over one subtree of the
// document. A namespace owns no state of its own: it validates values
// against its allowed write kinds, normalizes them, and delegates to the
// store. It is the only local-mutation entry point the rest of the
// system uses.
package doc

import (
	"sort"
	"strings"

	"github.com/daviddao/swarmdoc/pkg/model"
)

// WriteKind is a bitmask of the mutation kinds a namespace accepts.
type WriteKind uint8

const (
	// WritePlain allows Set with scalar and list values.
	WritePlain WriteKind = 1 << iota
	// WriteMap allows Set with nested map values.
	WriteMap
	// WriteSet allows Add and Remove set mutations.
	WriteSet
	// WriteCounter allows Inc counter mutations.
	WriteCounter
	// WriteRegister allows SetRegister mutations.
	WriteRegister

	// WriteAll allows every mutation kind.
	WriteAll = WritePlain | WriteMap | WriteSet | WriteCounter | WriteRegister
)

// Namespace is a named, validated view over one subtree of the document.
type Namespace struct {
	store   *Store
	name    string
	allowed WriteKind
}

// Namespace returns the named view, creating it on first use. A zero
// allowed mask means WriteAll. The allowed mask is fixed on first use;
// later calls with a different mask return the existing view unchanged.
func (s *Store) Namespace(name string, allowed WriteKind) *Namespace {
	if allowed == 0 {
		allowed = WriteAll
	}
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	if ns, ok := s.namespaces[name]; ok {
		return ns
	}
	ns := &Namespace{store: s, name: name, allowed: allowed}
	s.namespaces[name] = ns
	return ns
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.name }

func (ns *Namespace) path(key string) model.Path {
	return model.Path{ns.name, key}
}

// Set validates and writes value at key. On an unsupported value kind it
// fails with UnsupportedValueKindError before any mutation is attempted;
// local data is never left partially written.
func (ns *Namespace) Set(key string, value any) error {
	v, err := model.FromNative(value)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case model.KindScalar, model.KindList:
		if ns.allowed&WritePlain == 0 {
			return &model.UnsupportedValueKindError{Got: v.Kind().String() + " (not allowed in namespace " + ns.name + ")"}
		}
	case model.KindMap:
		if ns.allowed&WriteMap == 0 {
			return &model.UnsupportedValueKindError{Got: "map (not allowed in namespace " + ns.name + ")"}
		}
	default:
		return &model.UnsupportedValueKindError{Got: v.Kind().String()}
	}
	_, err = ns.store.localOp(model.OpAssign, ns.path(key), v, nil)
	return err
}

// Get returns the value at key, or Absent.
func (ns *Namespace) Get(key string) model.Value {
	return ns.store.Get(ns.path(key))
}

// Delete removes key.
func (ns *Namespace) Delete(key string) error {
	_, err := ns.store.localOp(model.OpDelete, ns.path(key), model.Value{}, nil)
	return err
}

// SetRegister writes a last-writer-wins register at key.
func (ns *Namespace) SetRegister(key string, value any) error {
	if ns.allowed&WriteRegister == 0 {
		return &model.UnsupportedValueKindError{Got: "register (not allowed in namespace " + ns.name + ")"}
	}
	v, err := model.FromNative(value)
	if err != nil {
		return err
	}
	_, err = ns.store.localOp(model.OpRegisterAssign, ns.path(key), v, nil)
	return err
}

// Add inserts element into the set at key.
func (ns *Namespace) Add(key string, element any) error {
	if ns.allowed&WriteSet == 0 {
		return &model.UnsupportedValueKindError{Got: "set element (not allowed in namespace " + ns.name + ")"}
	}
	v, err := model.FromNative(element)
	if err != nil {
		return err
	}
	_, err = ns.store.localOp(model.OpSetAdd, ns.path(key), v, nil)
	return err
}

// Remove removes element from the set at key. The remove covers only the
// add dots this replica has observed; a concurrent add elsewhere
// survives the removal.
func (ns *Namespace) Remove(key string, element any) error {
	if ns.allowed&WriteSet == 0 {
		return &model.UnsupportedValueKindError{Got: "set element (not allowed in namespace " + ns.name + ")"}
	}
	v, err := model.FromNative(element)
	if err != nil {
		return err
	}
	path := ns.path(key)
	observed := ns.store.observedAdds(path, v)
	_, err = ns.store.localOp(model.OpSetRemove, path, v, observed)
	return err
}

// Inc adds delta (which may be negative) to the counter at key.
func (ns *Namespace) Inc(key string, delta int64) error {
	if ns.allowed&WriteCounter == 0 {
		return &model.UnsupportedValueKindError{Got: "counter delta (not allowed in namespace " + ns.name + ")"}
	}
	_, err := ns.store.localOp(model.OpCounterInc, ns.path(key), model.Int(delta), nil)
	return err
}

// Counter returns the summed counter value at key.
func (ns *Namespace) Counter(key string) int64 {
	v := ns.Get(key)
	if v.Kind() != model.KindCounter {
		return 0
	}
	return v.Int64()
}

// Elements returns the live set elements at key in canonical order.
func (ns *Namespace) Elements(key string) []model.Value {
	v := ns.Get(key)
	if v.Kind() != model.KindSet {
		return nil
	}
	return v.List()
}

// Contains reports whether the set at key holds element.
func (ns *Namespace) Contains(key string, element any) bool {
	v, err := model.FromNative(element)
	if err != nil {
		return false
	}
	for _, el := range ns.Elements(key) {
		if el.Equal(v) {
			return true
		}
	}
	return false
}

// Keys returns the keys with a present value in this namespace, sorted.
func (ns *Namespace) Keys() []string {
	ns.store.mu.Lock()
	defer ns.store.mu.Unlock()
	prefix := ns.name + model.PathSeparator
	var keys []string
	for pathKey, sl := range ns.store.slots {
		if !strings.HasPrefix(pathKey, prefix) {
			continue
		}
		rest := strings.TrimPrefix(pathKey, prefix)
		if strings.Contains(rest, model.PathSeparator) {
			continue
		}
		if sl.value().IsAbsent() {
			continue
		}
		keys = append(keys, rest)
	}
	sort.Strings(keys)
	return keys
}

// OnLocalCommit registers a callback fired exactly once per committed
// Set/Delete/Add/Remove/Inc in this namespace, with the changed key and
// the resulting value at that key. Callbacks are queued and run off the
// mutator's goroutine; they must not be relied on to run before Set
// returns.
func (ns *Namespace) OnLocalCommit(cb func(key string, value model.Value)) {
	ns.store.OnLocalCommit(func(c Commit) {
		if len(c.Path) < 2 || c.Path[0] != ns.name {
			return
		}
		cb(c.Path[1], c.Value)
	})
}

// observedAdds returns the live add dots for element v at path.
func (s *Store) observedAdds(path model.Path, v model.Value) []model.Dot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[path.String()]
	if sl == nil {
		return nil
	}
	return sl.observedDots(v)
}
