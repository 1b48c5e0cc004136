package zerofun

import "fmt"

// Value is a node in a tensor tree: either a leaf Array, an ordered List of
// Values, or an ordered Map of named Values. It mirrors the
// elements.tree.flatten/unflatten structure used by the original
// implementation (original_source/zerofun/sockets.py's pack/unpack).
type Value interface {
	isValue()
}

// Array is a leaf: a contiguous, fixed-width, n-dimensional buffer. Go has
// no object-dtype arrays and no non-contiguous views, so both failure
// modes spec.md §4.1 calls out ("reject object-dtype arrays", "require
// C-contiguous memory") are enforced once here at construction rather than
// at pack time.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

func (*Array) isValue() {}

// NewArray validates that data is exactly as large as shape*itemsize(dtype)
// requires, returning InvalidPayload otherwise.
func NewArray(dtype DType, shape []int, data []byte) (*Array, error) {
	size, err := dtype.itemsize()
	if err != nil {
		return nil, &InvalidPayload{Reason: err.Error()}
	}
	want := size
	for _, d := range shape {
		if d < 0 {
			return nil, &InvalidPayload{Reason: "shape dimensions must be non-negative"}
		}
		want *= d
	}
	if len(data) != want {
		return nil, &InvalidPayload{Reason: fmt.Sprintf(
			"buffer has %d bytes, shape %v of dtype %s requires %d", len(data), shape, dtype, want)}
	}
	shapeCopy := append([]int(nil), shape...)
	return &Array{DType: dtype, Shape: shapeCopy, Data: data}, nil
}

// List is an ordered sequence of Values.
type List []Value

func (List) isValue() {}

// MapEntry is one named child of a Map, kept in insertion order so that
// pack/unpack round-trips are bit-exact and order-stable (spec.md §8).
type MapEntry struct {
	Key   string
	Value Value
}

// Map is an ordered collection of named Values.
type Map []MapEntry

func (Map) isValue() {}

// structure tags used in the encoded meta frame.
const (
	tagList = "L"
	tagMap  = "M"
)

// flatten walks v in a deterministic order, collecting every leaf Array and
// producing a structure descriptor that unflatten can use to rebuild the
// tree given the leaves back in the same order.
func flatten(v Value) ([]*Array, interface{}, error) {
	var leaves []*Array
	structure, err := flattenInto(v, &leaves)
	if err != nil {
		return nil, nil, err
	}
	return leaves, structure, nil
}

func flattenInto(v Value, leaves *[]*Array) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, &InvalidPayload{Reason: "tree contains a nil value"}
	case *Array:
		if t == nil {
			return nil, &InvalidPayload{Reason: "tree contains a nil array"}
		}
		*leaves = append(*leaves, t)
		return nil, nil
	case List:
		subs := make([]interface{}, len(t))
		for i, child := range t {
			sub, err := flattenInto(child, leaves)
			if err != nil {
				return nil, err
			}
			subs[i] = sub
		}
		return []interface{}{tagList, subs}, nil
	case Map:
		entries := make([]interface{}, len(t))
		for i, entry := range t {
			sub, err := flattenInto(entry.Value, leaves)
			if err != nil {
				return nil, err
			}
			entries[i] = []interface{}{entry.Key, sub}
		}
		return []interface{}{tagMap, entries}, nil
	default:
		return nil, &InvalidPayload{Reason: fmt.Sprintf("unsupported tree node type %T", v)}
	}
}

// unflatten is the inverse of flatten: given a structure descriptor and the
// leaves in the order flatten produced them, it rebuilds the original tree.
func unflatten(structure interface{}, leaves []*Array) (Value, error) {
	idx := 0
	v, err := unflattenFrom(structure, leaves, &idx)
	if err != nil {
		return nil, err
	}
	if idx != len(leaves) {
		return nil, &InvalidPayload{Reason: fmt.Sprintf(
			"structure consumed %d leaves but payload carried %d", idx, len(leaves))}
	}
	return v, nil
}

func unflattenFrom(structure interface{}, leaves []*Array, idx *int) (Value, error) {
	if structure == nil {
		if *idx >= len(leaves) {
			return nil, &InvalidPayload{Reason: "structure references more leaves than the payload carries"}
		}
		leaf := leaves[*idx]
		*idx++
		return leaf, nil
	}
	node, ok := structure.([]interface{})
	if !ok || len(node) != 2 {
		return nil, &InvalidPayload{Reason: "malformed structure node"}
	}
	tag, ok := node[0].(string)
	if !ok {
		return nil, &InvalidPayload{Reason: "malformed structure tag"}
	}
	switch tag {
	case tagList:
		subs, ok := node[1].([]interface{})
		if !ok {
			return nil, &InvalidPayload{Reason: "malformed list structure"}
		}
		out := make(List, len(subs))
		for i, sub := range subs {
			child, err := unflattenFrom(sub, leaves, idx)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case tagMap:
		entries, ok := node[1].([]interface{})
		if !ok {
			return nil, &InvalidPayload{Reason: "malformed map structure"}
		}
		out := make(Map, len(entries))
		for i, e := range entries {
			pair, ok := e.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, &InvalidPayload{Reason: "malformed map entry"}
			}
			key, ok := pair[0].(string)
			if !ok {
				return nil, &InvalidPayload{Reason: "malformed map key"}
			}
			child, err := unflattenFrom(pair[1], leaves, idx)
			if err != nil {
				return nil, err
			}
			out[i] = MapEntry{Key: key, Value: child}
		}
		return out, nil
	default:
		return nil, &InvalidPayload{Reason: fmt.Sprintf("unknown structure tag %q", tag)}
	}
}

// mapTrees applies fn to each group of corresponding leaf Arrays across
// trees, returning a new tree with the first tree's structure. Only the
// leaf counts are checked to match; the trees' structures are not compared.
// BatchProxy uses it to stack leaves along a new leading axis the way
// original_source/zerofun/proc_server.py uses elements.tree.map (splitting
// is done by splitLeading).
func mapTrees(fn func([]*Array) (*Array, error), trees ...Value) (Value, error) {
	if len(trees) == 0 {
		return nil, &InvalidPayload{Reason: "mapTrees requires at least one tree"}
	}
	leafSets := make([][]*Array, len(trees))
	var structure interface{}
	for i, t := range trees {
		leaves, s, err := flatten(t)
		if err != nil {
			return nil, err
		}
		leafSets[i] = leaves
		if i == 0 {
			structure = s
		} else if len(leaves) != len(leafSets[0]) {
			return nil, &InvalidPayload{Reason: "trees passed to mapTrees have different leaf counts"}
		}
	}
	n := len(leafSets[0])
	merged := make([]*Array, n)
	for leaf := 0; leaf < n; leaf++ {
		group := make([]*Array, len(trees))
		for i := range trees {
			group[i] = leafSets[i][leaf]
		}
		out, err := fn(group)
		if err != nil {
			return nil, err
		}
		merged[leaf] = out
	}
	return unflatten(structure, merged)
}
