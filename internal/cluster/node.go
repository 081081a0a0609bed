package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	// MaxNodes is the number of addressable node slots. Valid ids are
	// 0..MaxNodes-1, and NodeUnknown is reserved.
	MaxNodes = 255

	// NodeUnknown marks an owner that is not currently known.
	NodeUnknown NodeID = 255
)

var (
	// ErrUnknownNode is returned when a node id is not in the registry.
	ErrUnknownNode = errors.New("cluster: unknown node")

	// ErrInvalidNodeID is returned for ids outside 0..MaxNodes-1.
	ErrInvalidNodeID = errors.New("cluster: invalid node id")
)

// NodeID is a small stable integer identifying a cluster node.
type NodeID uint8

// Valid reports whether id can address a node.
func (id NodeID) Valid() bool {
	return id < NodeUnknown
}

func (id NodeID) String() string {
	if id == NodeUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%d", uint8(id))
}

// Node describes one configured cluster member.
type Node struct {
	ID   NodeID
	Name string
	Addr string
}

type registryEntry struct {
	node Node
	pins int
}

// Registry is the static table of cluster nodes plus this node's identity.
//
// Records can be pinned while something (a live connection, an in-flight
// recovery) depends on them; Remove refuses pinned records.
type Registry struct {
	mu    sync.RWMutex
	self  NodeID
	nodes map[NodeID]*registryEntry
}

// NewRegistry builds a registry. self must be one of nodes.
func NewRegistry(self NodeID, nodes []Node) (*Registry, error) {
	r := &Registry{
		self:  self,
		nodes: make(map[NodeID]*registryEntry, len(nodes)),
	}

	for _, n := range nodes {
		if !n.ID.Valid() {
			return nil, fmt.Errorf("node %q: %w", n.Name, ErrInvalidNodeID)
		}
		if _, dup := r.nodes[n.ID]; dup {
			return nil, fmt.Errorf("node id %d configured twice", n.ID)
		}
		if n.Addr == "" {
			return nil, fmt.Errorf("node %d has no address", n.ID)
		}
		r.nodes[n.ID] = &registryEntry{node: n}
	}

	if _, ok := r.nodes[self]; !ok {
		return nil, fmt.Errorf("self node %d: %w", self, ErrUnknownNode)
	}
	return r, nil
}

// Self returns this node's record.
func (r *Registry) Self() Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.self].node
}

// SelfID returns this node's id.
func (r *Registry) SelfID() NodeID {
	return r.self
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id NodeID) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return e.node, true
}

// Pin looks up id and holds a reference on its record until Unpin.
func (r *Registry) Pin(id NodeID) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("pin node %d: %w", id, ErrUnknownNode)
	}
	e.pins++
	return e.node, nil
}

// Unpin drops a reference taken by Pin.
func (r *Registry) Unpin(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.nodes[id]; ok && e.pins > 0 {
		e.pins--
	}
}

// Pins returns the current pin count of id.
func (r *Registry) Pins(id NodeID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.nodes[id]; ok {
		return e.pins
	}
	return 0
}

// Remove deletes an unpinned node record.
func (r *Registry) Remove(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("remove node %d: %w", id, ErrUnknownNode)
	}
	if id == r.self {
		return fmt.Errorf("remove node %d: cannot remove self", id)
	}
	if e.pins > 0 {
		return fmt.Errorf("remove node %d: still referenced (%d pins)", id, e.pins)
	}
	delete(r.nodes, id)
	return nil
}

// Nodes returns all records sorted by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns the configured node ids as a bitmap.
func (r *Registry) Members() NodeMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var m NodeMap
	for id := range r.nodes {
		m.Set(id)
	}
	return m
}
