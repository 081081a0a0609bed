package cluster

import (
	"errors"
	"testing"
)

func testNodes() []Node {
	return []Node{
		{ID: 1, Name: "n1", Addr: "127.0.0.1:7001"},
		{ID: 2, Name: "n2", Addr: "127.0.0.1:7002"},
		{ID: 5, Name: "n5", Addr: "127.0.0.1:7005"},
	}
}

// TestNewRegistry tests registry construction and validation.
func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		self    NodeID
		nodes   []Node
		wantErr bool
	}{
		{"valid", 2, testNodes(), false},
		{"self missing", 3, testNodes(), true},
		{"reserved id", 1, append(testNodes(), Node{ID: NodeUnknown, Name: "x", Addr: "a:1"}), true},
		{"duplicate id", 1, append(testNodes(), Node{ID: 1, Name: "dup", Addr: "a:1"}), true},
		{"missing addr", 1, []Node{{ID: 1, Name: "n1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.self, tt.nodes)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestRegistryLookup tests self identity, lookup and ordering.
func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(2, testNodes())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if got := r.Self(); got.ID != 2 || got.Name != "n2" {
		t.Errorf("Self() = %+v", got)
	}
	if _, ok := r.Lookup(5); !ok {
		t.Error("Lookup(5) not found")
	}
	if _, ok := r.Lookup(9); ok {
		t.Error("Lookup(9) should fail")
	}

	nodes := r.Nodes()
	if len(nodes) != 3 || nodes[0].ID != 1 || nodes[2].ID != 5 {
		t.Errorf("Nodes() not sorted: %+v", nodes)
	}
	if m := r.Members(); m != NodeMapOf(1, 2, 5) {
		t.Errorf("Members() = %v", m)
	}
}

// TestRegistryPin tests that pinned records cannot be removed.
func TestRegistryPin(t *testing.T) {
	r, err := NewRegistry(1, testNodes())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if _, err := r.Pin(9); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Pin(9) error = %v, want ErrUnknownNode", err)
	}

	if _, err := r.Pin(5); err != nil {
		t.Fatalf("Pin(5) failed: %v", err)
	}
	if r.Pins(5) != 1 {
		t.Fatalf("Pins(5) = %d, want 1", r.Pins(5))
	}
	if err := r.Remove(5); err == nil {
		t.Fatal("Remove of pinned node should fail")
	}

	r.Unpin(5)
	if err := r.Remove(5); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := r.Lookup(5); ok {
		t.Error("node 5 still present after Remove")
	}
	if err := r.Remove(1); err == nil {
		t.Error("removing self should fail")
	}
}
