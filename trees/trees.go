// Package trees holds named tensors (or any other value) organized hierarchically by their "/" separated names.
//
// BERT initializers are named like "Layer3/Attention/QKV": the path components become the scopes
// of the variables in the model context, and the last component is the variable name.
package trees

import (
	"fmt"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"iter"
	"strings"
)

// Separator used to join and split path components in flat names.
const Separator = "/"

// Node is either a leaf with a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

// IsLeaf returns whether the node holds a value.
func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node, which is always a map node.
type Tree[T any] struct {
	Root *Node[T]
}

// Path from the root node to a leaf.
type Path []string

// String implements fmt.Stringer, joining the path with Separator.
func (p Path) String() string { return strings.Join(p, Separator) }

// Scope returns all but the last element of the path.
func (p Path) Scope() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Name returns the last element of the path, or "" for an empty path.
func (p Path) Name() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// ParsePath splits a flat name like "Layer0/Attention/QKV" into its components.
// Empty components (leading, trailing or repeated separators) are dropped.
func ParsePath(name string) Path {
	parts := strings.Split(name, Separator)
	return slices.DeleteFunc(parts, func(s string) bool { return s == "" })
}

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Root: newMapNode[T]()}
}

func newMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// FromFlat builds a tree from a map of flat names (see ParsePath) to values.
func FromFlat[T any](flat map[string]T) (*Tree[T], error) {
	tree := New[T]()
	for _, name := range xslices.SortedKeys(flat) {
		if err := tree.Set(ParsePath(name), flat[name]); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// Set value at treePath, creating intermediary map nodes where needed.
//
// It returns an error if the path is empty, if an existing leaf would have to be used as a map,
// or if an existing map node would be overwritten by a leaf.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	if len(treePath) == 0 {
		return errors.New("trees.Tree.Set() requires a non-empty path")
	}
	node := tree.Root
	for ii, element := range treePath {
		if node.IsLeaf() {
			return errors.Errorf("trees.Tree.Set(%q): %q is a leaf and can't hold children", treePath, treePath[:ii])
		}
		child, found := node.Map[element]
		if !found {
			if ii == len(treePath)-1 {
				child = &Node[T]{Value: value}
			} else {
				child = newMapNode[T]()
			}
			node.Map[element] = child
		}
		node = child
	}
	if !node.IsLeaf() {
		return errors.Errorf("trees.Tree.Set(%q): path is a map node, it can't be set to a value", treePath)
	}
	node.Value = value
	return nil
}

// Get returns the value at treePath, and whether it was found as a leaf.
func (tree *Tree[T]) Get(treePath Path) (value T, found bool) {
	node := tree.Root
	for _, element := range treePath {
		if node.IsLeaf() {
			return
		}
		node = node.Map[element]
		if node == nil {
			return
		}
	}
	if node == tree.Root || !node.IsLeaf() {
		return
	}
	return node.Value, true
}

// Has returns whether there is a leaf at treePath.
func (tree *Tree[T]) Has(treePath Path) bool {
	_, found := tree.Get(treePath)
	return found
}

// Leaves iterates over all leaves, in no particular order.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		walk(nil, tree.Root, false, yield)
	}
}

// OrderedLeaves iterates over all leaves in alphabetical (depth-first) order of their paths.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		walk(nil, tree.Root, true, yield)
	}
}

func walk[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !walk(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
		return true
	}
	for key, child := range node.Map {
		if !walk(append(treePath, key), child, ordered, yield) {
			return false
		}
	}
	return true
}

// NumLeaves returns the number of leaves in the tree.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// Flatten returns a map of the flat names (joined paths) to the leaf values.
func (tree *Tree[T]) Flatten() map[string]T {
	flat := make(map[string]T)
	for p, v := range tree.Leaves() {
		flat[p.String()] = v
	}
	return flat
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn on every leaf.
func Map[T1, T2 any](tree *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	mapped := New[T2]()
	for p, v := range tree.Leaves() {
		// Can't fail: the structure comes from a valid tree.
		if err := mapped.Set(p, mapFn(p, v)); err != nil {
			panic(err)
		}
	}
	return mapped
}

// ValuesAsList returns the leaf values in the order of OrderedLeaves.
func ValuesAsList[T any](tree *Tree[T]) []T {
	values := make([]T, 0, tree.NumLeaves())
	for _, v := range tree.OrderedLeaves() {
		values = append(values, v)
	}
	return values
}

// String implements fmt.Stringer.
func (tree *Tree[T]) String() string {
	lines := nodeToString(nil, Separator, tree.Root, 0)
	return strings.Join(lines, "\n") + "\n"
}

func nodeToString[T any](lines []string, name string, node *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	if node.IsLeaf() {
		var valueAny any = node.Value
		if stringer, ok := valueAny.(fmt.Stringer); ok {
			return append(lines, fmt.Sprintf("%s%q: %s", indentSpaces, name, stringer))
		}
		return append(lines, fmt.Sprintf("%s%q: %v", indentSpaces, name, node.Value))
	}
	lines = append(lines, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(node.Map) {
		lines = nodeToString(lines, key, node.Map[key], indent+1)
	}
	return append(lines, fmt.Sprintf("%s}", indentSpaces))
}
