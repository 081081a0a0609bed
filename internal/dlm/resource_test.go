package dlm

import (
	"testing"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

func grantedLock(res *Resource, node cluster.NodeID, cookie uint64, mode Mode) *Lock {
	lk := newLock(node, cookie, mode, false)
	lk.mode = mode
	res.addLocked(lk, queueGranted)
	return lk
}

func blockedLock(res *Resource, node cluster.NodeID, cookie uint64, mode Mode) *Lock {
	lk := newLock(node, cookie, mode, false)
	res.addLocked(lk, queueBlocked)
	return lk
}

func TestCompatibility(t *testing.T) {
	tests := []struct {
		a, b Mode
		want bool
	}{
		{ModeNL, ModeNL, true},
		{ModeNL, ModePR, true},
		{ModeNL, ModeEX, true},
		{ModePR, ModePR, true},
		{ModePR, ModeEX, false},
		{ModeEX, ModeEX, false},
	}
	for _, tt := range tests {
		if got := compatible(tt.a, tt.b); got != tt.want {
			t.Errorf("compatible(%s, %s) = %v", tt.a, tt.b, got)
		}
		if got := compatible(tt.b, tt.a); got != tt.want {
			t.Errorf("compatible(%s, %s) = %v", tt.b, tt.a, got)
		}
	}
	if Mode(3).Valid() || modeInvalid.String() != "IV" {
		t.Error("invalid mode accepted")
	}
}

func TestGrantPassFIFO(t *testing.T) {
	res := newResource("fifo", 1)
	pr := grantedLock(res, 2, 1, ModePR)
	ex := blockedLock(res, 3, 2, ModeEX)
	blockedLock(res, 4, 3, ModePR)

	if got := res.grantPassLocked(); len(got) != 0 {
		t.Fatalf("granted %d behind an incompatible head", len(got))
	}
	if res.canGrantNewLocked(ModeNL) {
		t.Error("new request jumps a non-empty queue")
	}

	res.removeLocked(pr)
	got := res.grantPassLocked()
	if len(got) != 1 || got[0] != ex || ex.mode != ModeEX || ex.queue != queueGranted {
		t.Fatalf("grant pass = %+v", got)
	}
	if len(res.blocked) != 1 {
		t.Errorf("PR behind EX granted early")
	}
}

func TestGrantPassConversionsFirst(t *testing.T) {
	res := newResource("conv", 1)
	x := grantedLock(res, 2, 1, ModePR)
	y := grantedLock(res, 3, 2, ModePR)
	y.req = ModeEX
	res.moveLocked(y, queueConverting)
	z := blockedLock(res, 4, 3, ModePR)

	if res.canConvertLocked(x, ModeEX) {
		t.Error("second conversion allowed while one is queued")
	}
	if !res.canConvertLocked(x, ModeNL) {
		t.Error("down-conversion refused")
	}
	if got := res.grantPassLocked(); len(got) != 0 {
		t.Fatalf("granted %d while the conversion is blocked", len(got))
	}

	res.removeLocked(x)
	got := res.grantPassLocked()
	if len(got) != 1 || got[0] != y || y.mode != ModeEX {
		t.Fatalf("grant pass = %+v", got)
	}
	if z.queue != queueBlocked {
		t.Error("blocked PR granted next to EX")
	}
}

func TestDropNode(t *testing.T) {
	res := newResource("drop", 1)
	a := grantedLock(res, 2, 1, ModePR)
	blockedLock(res, 2, 2, ModeEX)
	grantedLock(res, 3, 3, ModePR)
	res.refmap.Set(2)
	res.refmap.Set(3)

	if n := res.dropNodeLocked(2); n != 2 {
		t.Errorf("dropped %d, want 2", n)
	}
	if !a.gone || res.refmap.Test(2) || !res.refmap.Test(3) {
		t.Errorf("after drop: gone=%v refs=%s", a.gone, res.refmap)
	}
	if res.lockCountLocked() != 1 {
		t.Errorf("locks left = %d", res.lockCountLocked())
	}
	if res.findLocked(3) == nil || res.findLocked(1) != nil {
		t.Error("findLocked after drop")
	}
}
