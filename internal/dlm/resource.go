package dlm

import (
	"sync"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

const (
	// MaxNameLen bounds resource names.
	MaxNameLen = 64

	// LVBLen is the maximum size of a lock value block.
	LVBLen = 64

	recoveryLockName = "$RECOVERY"
)

type resState uint8

const (
	resRecovering resState = 1 << iota
	resMigrating
)

// Resource is a named lockable entity. Every node that touched the name
// keeps one; only the master's copy holds other nodes' locks.
type Resource struct {
	name string

	mu         sync.Mutex
	owner      cluster.NodeID
	state      resState
	granted    []*Lock
	converting []*Lock
	blocked    []*Lock
	lvb        []byte
	refmap     cluster.NodeMap
	changed    chan struct{}
}

func newResource(name string, owner cluster.NodeID) *Resource {
	return &Resource{name: name, owner: owner, changed: make(chan struct{})}
}

// notifyLocked wakes everything waiting on the resource.
func (r *Resource) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Resource) queueLocked(q queueKind) *[]*Lock {
	switch q {
	case queueGranted:
		return &r.granted
	case queueConverting:
		return &r.converting
	default:
		return &r.blocked
	}
}

func (r *Resource) findLocked(cookie uint64) *Lock {
	for _, q := range [][]*Lock{r.granted, r.converting, r.blocked} {
		for _, lk := range q {
			if lk.cookie == cookie {
				return lk
			}
		}
	}
	return nil
}

func (r *Resource) addLocked(lk *Lock, q queueKind) {
	lk.queue = q
	lk.gone = false
	p := r.queueLocked(q)
	*p = append(*p, lk)
}

func (r *Resource) removeLocked(lk *Lock) bool {
	p := r.queueLocked(lk.queue)
	for i, x := range *p {
		if x == lk {
			*p = append((*p)[:i], (*p)[i+1:]...)
			lk.gone = true
			return true
		}
	}
	return false
}

func (r *Resource) moveLocked(lk *Lock, q queueKind) {
	if r.removeLocked(lk) {
		r.addLocked(lk, q)
	}
}

func (r *Resource) lockCountLocked() int {
	return len(r.granted) + len(r.converting) + len(r.blocked)
}

func (r *Resource) eachLocked(fn func(lk *Lock)) {
	for _, q := range [][]*Lock{r.granted, r.converting, r.blocked} {
		for _, lk := range q {
			fn(lk)
		}
	}
}

// compatibleLocked reports whether mode is compatible with every granted
// lock other than except.
func (r *Resource) compatibleLocked(mode Mode, except *Lock) bool {
	for _, g := range r.granted {
		if g != except && !compatible(mode, g.mode) {
			return false
		}
	}
	return true
}

// canGrantNewLocked reports whether a new request could be granted
// without queueing behind anything.
func (r *Resource) canGrantNewLocked(mode Mode) bool {
	return len(r.converting) == 0 && len(r.blocked) == 0 && r.compatibleLocked(mode, nil)
}

// canConvertLocked reports whether lk could move to mode right away.
func (r *Resource) canConvertLocked(lk *Lock, mode Mode) bool {
	if mode <= lk.mode {
		return true
	}
	return len(r.converting) == 0 && r.compatibleLocked(mode, lk)
}

// grantPassLocked grants whatever the queues allow: converting locks first
// in order, then blocked locks in FIFO order once nothing is converting.
// It returns the locks it granted.
func (r *Resource) grantPassLocked() []*Lock {
	var out []*Lock
	for len(r.converting) > 0 {
		lk := r.converting[0]
		if !r.compatibleLocked(lk.req, lk) {
			return out
		}
		r.converting = r.converting[1:]
		lk.mode = lk.req
		r.addLocked(lk, queueGranted)
		out = append(out, lk)
	}
	for len(r.blocked) > 0 {
		lk := r.blocked[0]
		if !r.compatibleLocked(lk.req, nil) {
			break
		}
		r.blocked = r.blocked[1:]
		lk.mode = lk.req
		r.addLocked(lk, queueGranted)
		out = append(out, lk)
	}
	return out
}

// dropNodeLocked removes every lock owned by node and its reference.
func (r *Resource) dropNodeLocked(node cluster.NodeID) int {
	n := 0
	for _, q := range []queueKind{queueGranted, queueConverting, queueBlocked} {
		p := r.queueLocked(q)
		kept := (*p)[:0]
		for _, lk := range *p {
			if lk.node == node {
				lk.gone = true
				n++
				continue
			}
			kept = append(kept, lk)
		}
		*p = kept
	}
	r.refmap.Clear(node)
	return n
}

// LockInfo describes one lock for status output.
type LockInfo struct {
	Node      cluster.NodeID `json:"node"`
	Cookie    uint64         `json:"cookie"`
	Mode      string         `json:"mode"`
	Requested string         `json:"requested,omitempty"`
}

// ResourceInfo is a point-in-time copy of a resource.
type ResourceInfo struct {
	Name       string           `json:"name"`
	Owner      cluster.NodeID   `json:"owner"`
	Recovering bool             `json:"recovering"`
	Migrating  bool             `json:"migrating"`
	Granted    []LockInfo       `json:"granted"`
	Converting []LockInfo       `json:"converting"`
	Blocked    []LockInfo       `json:"blocked"`
	LVB        []byte           `json:"lvb,omitempty"`
	Refs       []cluster.NodeID `json:"refs"`
}

func (r *Resource) info() ResourceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := func(q []*Lock) []LockInfo {
		out := make([]LockInfo, 0, len(q))
		for _, lk := range q {
			li := LockInfo{Node: lk.node, Cookie: lk.cookie, Mode: lk.mode.String()}
			if lk.req != lk.mode {
				li.Requested = lk.req.String()
			}
			out = append(out, li)
		}
		return out
	}
	return ResourceInfo{
		Name:       r.name,
		Owner:      r.owner,
		Recovering: r.state&resRecovering != 0,
		Migrating:  r.state&resMigrating != 0,
		Granted:    conv(r.granted),
		Converting: conv(r.converting),
		Blocked:    conv(r.blocked),
		LVB:        append([]byte(nil), r.lvb...),
		Refs:       r.refmap.IDs(),
	}
}
