package dlm

import (
	"testing"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

func TestRingEmpty(t *testing.T) {
	if got := newRing(cluster.NodeMap{}).home("x"); got != cluster.NodeUnknown {
		t.Errorf("home on empty ring = %d", got)
	}
}

func TestRingSpreadAndStability(t *testing.T) {
	full := newRing(cluster.NodeMapOf(1, 2, 3, 4))
	without3 := newRing(cluster.NodeMapOf(1, 2, 4))

	counts := make(map[cluster.NodeID]int)
	for _, name := range names("res-", 2000) {
		h := full.home(name)
		if h != full.home(name) {
			t.Fatalf("home of %s not stable", name)
		}
		counts[h]++
		if h != 3 && without3.home(name) != h {
			t.Errorf("%s moved from %d although its home stayed", name, h)
		}
		if without3.home(name) == 3 {
			t.Errorf("%s homed on a removed node", name)
		}
	}
	for _, id := range []cluster.NodeID{1, 2, 3, 4} {
		if counts[id] < 200 {
			t.Errorf("node %d homes only %d of 2000 names", id, counts[id])
		}
	}
}

func TestDomainKey(t *testing.T) {
	if DomainKey("a") == DomainKey("b") {
		t.Error("distinct names share a key")
	}
	if DomainKey("a") != DomainKey("a") {
		t.Error("key not deterministic")
	}
}
