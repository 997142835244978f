// document.go renders the whole document as one nested value, assembling
// slot values into a tree by path. Used for status output and for
// whole-document equality in convergence checks.
package doc

import (
	"github.com/daviddao/swarmdoc/pkg/model"
)

type docNode struct {
	children map[string]*docNode
	leaf     model.Value
	hasLeaf  bool
}

// Document returns the current deep value of the whole document: nested
// maps keyed by path elements, with set and counter slots rendered as
// their read-side views. Slots with no present value are omitted. When a
// path is both a leaf and a parent of deeper slots (an application-level
// shape conflict), the subtree wins.
func (s *Store) Document() model.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := &docNode{children: make(map[string]*docNode)}
	for pathKey, sl := range s.slots {
		v := sl.value()
		if v.IsAbsent() {
			continue
		}
		node := root
		for _, el := range model.Path(splitPath(pathKey)) {
			child := node.children[el]
			if child == nil {
				child = &docNode{children: make(map[string]*docNode)}
				node.children[el] = child
			}
			node = child
		}
		node.leaf = v
		node.hasLeaf = true
	}
	return root.render()
}

func splitPath(key string) []string {
	var out []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == model.PathSeparator[0] {
			out = append(out, key[start:i])
			start = i + 1
		}
	}
	return append(out, key[start:])
}

func (n *docNode) render() model.Value {
	if len(n.children) == 0 {
		if n.hasLeaf {
			return n.leaf
		}
		return model.Absent
	}
	m := make(map[string]any, len(n.children))
	for name, child := range n.children {
		v := child.render()
		if v.IsAbsent() {
			continue
		}
		m[name] = v
	}
	v, _ := model.FromNative(m)
	return v
}
