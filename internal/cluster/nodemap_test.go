package cluster

import "testing"

// TestNodeMap tests bitmap operations across word boundaries.
func TestNodeMap(t *testing.T) {
	var m NodeMap
	if !m.Empty() || m.Lowest() != NodeUnknown {
		t.Fatal("zero NodeMap should be empty")
	}

	for _, id := range []NodeID{0, 63, 64, 200, 254} {
		m.Set(id)
	}
	if m.Count() != 5 {
		t.Errorf("Count() = %d, want 5", m.Count())
	}
	if !m.Test(64) || m.Test(65) {
		t.Error("Test() wrong around word boundary")
	}
	if m.Lowest() != 0 {
		t.Errorf("Lowest() = %d, want 0", m.Lowest())
	}

	m.Clear(0)
	if m.Lowest() != 63 {
		t.Errorf("Lowest() after Clear = %d, want 63", m.Lowest())
	}

	ids := m.IDs()
	want := []NodeID{63, 64, 200, 254}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}

	if got := m.String(); got != "{63,64,200,254}" {
		t.Errorf("String() = %q", got)
	}
}

// TestNodeMapValueSemantics tests that Without and And copy.
func TestNodeMapValueSemantics(t *testing.T) {
	m := NodeMapOf(1, 2, 3)
	w := m.Without(2)
	if !m.Test(2) || w.Test(2) {
		t.Error("Without() modified receiver or kept id")
	}
	if got := m.And(NodeMapOf(3, 4)); got != NodeMapOf(3) {
		t.Errorf("And() = %v", got)
	}
}
