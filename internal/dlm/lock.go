package dlm

import (
	"fmt"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

type queueKind uint8

const (
	queueGranted queueKind = iota
	queueConverting
	queueBlocked
	// queuePlaceholder only appears in snapshots: the sender references
	// the resource but holds no locks on it.
	queuePlaceholder
)

func (q queueKind) String() string {
	switch q {
	case queueGranted:
		return "granted"
	case queueConverting:
		return "converting"
	case queueBlocked:
		return "blocked"
	case queuePlaceholder:
		return "placeholder"
	}
	return fmt.Sprintf("queue(%d)", uint8(q))
}

// pendingOp is a request sent to a remote master whose reply has not
// arrived yet. Recovery resolves these before snapshotting.
type pendingOp uint8

const (
	pendingNone pendingOp = iota
	pendingCreate
	pendingConvert
	pendingUnlock
	pendingCancel
)

// Lock is one lock request on a resource. On the master it may belong to
// any node; on other nodes only local locks exist.
type Lock struct {
	node   cluster.NodeID
	cookie uint64
	mode   Mode // granted mode, modeInvalid until the first grant
	req    Mode // wanted mode while blocked or converting
	queue  queueKind

	pending pendingOp
	gone    bool // no longer on any queue
	dropped bool // pending create discarded by recovery, resend needed

	lvb  []byte
	wake chan struct{} // local locks only
}

func newLock(node cluster.NodeID, cookie uint64, mode Mode, local bool) *Lock {
	lk := &Lock{node: node, cookie: cookie, mode: modeInvalid, req: mode}
	if local {
		lk.wake = make(chan struct{}, 1)
	}
	return lk
}

func (lk *Lock) signal() {
	if lk.wake == nil {
		return
	}
	select {
	case lk.wake <- struct{}{}:
	default:
	}
}

// grantLocked records a grant of the requested mode. Callers hold the
// resource lock.
func (lk *Lock) grantLocked(mode Mode, lvb []byte) {
	lk.mode = mode
	lk.req = mode
	if mode >= ModePR && lvb != nil {
		lk.lvb = append(lk.lvb[:0], lvb...)
	}
}

// LockHandle is a lock held or requested by this node.
type LockHandle struct {
	d        *Domain
	res      *Resource
	lock     *Lock
	recovery bool
}

// Name returns the resource name.
func (h *LockHandle) Name() string { return h.res.name }

// Cookie returns the cluster-unique lock identifier.
func (h *LockHandle) Cookie() uint64 { return h.lock.cookie }

// Mode returns the currently granted mode.
func (h *LockHandle) Mode() Mode {
	h.res.mu.Lock()
	defer h.res.mu.Unlock()
	return h.lock.mode
}

// LVB returns a copy of the lock value block seen at the last grant, or
// set through SetLVB.
func (h *LockHandle) LVB() []byte {
	h.res.mu.Lock()
	defer h.res.mu.Unlock()
	if len(h.lock.lvb) == 0 {
		return nil
	}
	return append([]byte(nil), h.lock.lvb...)
}

// SetLVB replaces the value block. The lock must be held in EX; the new
// value reaches the master on the next down-convert or unlock.
func (h *LockHandle) SetLVB(b []byte) error {
	if len(b) > LVBLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrLVBTooLarge, len(b), LVBLen)
	}
	h.res.mu.Lock()
	defer h.res.mu.Unlock()
	if h.lock.mode != ModeEX {
		return fmt.Errorf("set lvb in mode %s: %w", h.lock.mode, ErrInvalidMode)
	}
	h.lock.lvb = append(h.lock.lvb[:0], b...)
	return nil
}
