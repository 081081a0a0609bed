package cluster

import (
	"math/bits"
	"strconv"
	"strings"
)

// NodeMap is a bitmap over node ids. The zero value is empty.
type NodeMap [4]uint64

// Set marks id.
func (m *NodeMap) Set(id NodeID) {
	m[id>>6] |= 1 << (id & 63)
}

// Clear unmarks id.
func (m *NodeMap) Clear(id NodeID) {
	m[id>>6] &^= 1 << (id & 63)
}

// Test reports whether id is marked.
func (m NodeMap) Test(id NodeID) bool {
	return m[id>>6]&(1<<(id&63)) != 0
}

// Count returns the number of marked ids.
func (m NodeMap) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether no id is marked.
func (m NodeMap) Empty() bool {
	return m == NodeMap{}
}

// Lowest returns the smallest marked id, or NodeUnknown when empty.
func (m NodeMap) Lowest() NodeID {
	for i, w := range m {
		if w != 0 {
			return NodeID(i*64 + bits.TrailingZeros64(w))
		}
	}
	return NodeUnknown
}

// Each calls fn for every marked id in ascending order.
func (m NodeMap) Each(fn func(id NodeID)) {
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			fn(NodeID(i*64 + b))
			w &^= 1 << b
		}
	}
}

// IDs returns the marked ids in ascending order.
func (m NodeMap) IDs() []NodeID {
	ids := make([]NodeID, 0, m.Count())
	m.Each(func(id NodeID) { ids = append(ids, id) })
	return ids
}

// Without returns a copy of m with id cleared.
func (m NodeMap) Without(id NodeID) NodeMap {
	m.Clear(id)
	return m
}

// And returns the intersection of m and o.
func (m NodeMap) And(o NodeMap) NodeMap {
	for i := range m {
		m[i] &= o[i]
	}
	return m
}

func (m NodeMap) String() string {
	parts := make([]string, 0, m.Count())
	m.Each(func(id NodeID) { parts = append(parts, strconv.Itoa(int(id))) })
	return "{" + strings.Join(parts, ",") + "}"
}

// NodeMapOf builds a map with the given ids marked.
func NodeMapOf(ids ...NodeID) NodeMap {
	var m NodeMap
	for _, id := range ids {
		m.Set(id)
	}
	return m
}
