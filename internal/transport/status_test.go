package transport

import (
	"errors"
	"testing"
)

// TestWaitSetIDs tests id allocation skips ids still pending.
func TestWaitSetIDs(t *testing.T) {
	var ws waitSet
	a := ws.add()
	b := ws.add()
	if a.id == b.id {
		t.Fatal("duplicate ids")
	}

	ws.nextID = a.id
	c := ws.add()
	if c.id == a.id || c.id == b.id {
		t.Errorf("allocated in-use id %d", c.id)
	}
	if ws.len() != 3 {
		t.Errorf("len() = %d, want 3", ws.len())
	}

	if ws.remove(a.id) != a || ws.remove(a.id) != nil {
		t.Error("remove not exact")
	}
}

// TestWaitCompleteOnce tests that completion is idempotent.
func TestWaitCompleteOnce(t *testing.T) {
	var ws waitSet
	w := ws.add()

	if !w.complete(SysOK, 12, nil) {
		t.Fatal("first complete reported no effect")
	}
	if w.complete(SysOK, 0, ErrPeerDied) {
		t.Fatal("second complete took effect")
	}
	status, err := w.result()
	if status != 12 || err != nil {
		t.Errorf("result() = (%d, %v)", status, err)
	}
}

// TestWaitCompleteAll tests bulk completion with peer died.
func TestWaitCompleteAll(t *testing.T) {
	var ws waitSet
	waits := []*statusWait{ws.add(), ws.add(), ws.add()}
	waits[0].complete(SysNoHandler, 0, nil)

	if n := ws.completeAll(ErrPeerDied); n != 2 {
		t.Errorf("completeAll() = %d, want 2", n)
	}
	if ws.len() != 0 {
		t.Error("waits left pending")
	}

	for i, w := range waits {
		select {
		case <-w.done:
		default:
			t.Fatalf("wait %d not done", i)
		}
	}
	if _, err := waits[0].result(); !errors.Is(err, ErrNoHandler) {
		t.Errorf("earlier completion overwritten: %v", err)
	}
	if _, err := waits[1].result(); !errors.Is(err, ErrPeerDied) {
		t.Errorf("result() = %v, want ErrPeerDied", err)
	}
}
