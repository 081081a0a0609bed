package dlm

import (
	"fmt"
	"sync"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// DefaultMaxSnapshotLocks bounds the lock records carried by one
// snapshot fragment so that a fragment always fits a transport message.
const DefaultMaxSnapshotLocks = 96

// snapshot is the full image of one resource as sent for recovery or
// migration.
type snapshot struct {
	Name  string
	Owner cluster.NodeID
	Flags migFlags
	LVB   []byte
	Locks []lockRecord
	Refs  []cluster.NodeID
}

func recordOf(lk *Lock) lockRecord {
	return lockRecord{Node: lk.node, Cookie: lk.cookie, Mode: lk.mode, Req: lk.req, Queue: lk.queue}
}

// recoverySnapshotLocked captures this node's locks on res. A node with a
// reference but no locks sends a single placeholder record.
func recoverySnapshotLocked(res *Resource, self cluster.NodeID) *snapshot {
	s := &snapshot{Name: res.name, Owner: res.owner, Flags: migRecovery}
	validLVB := false
	res.eachLocked(func(lk *Lock) {
		if lk.node != self {
			return
		}
		s.Locks = append(s.Locks, recordOf(lk))
		if lk.queue == queueGranted && lk.mode >= ModePR {
			validLVB = true
		}
	})
	if len(s.Locks) == 0 {
		s.Locks = append(s.Locks, lockRecord{Node: self, Mode: modeInvalid, Req: modeInvalid, Queue: queuePlaceholder})
	}
	if validLVB && len(res.lvb) > 0 {
		s.LVB = append([]byte(nil), res.lvb...)
	}
	return s
}

// migrationSnapshotLocked captures the master's complete view of res.
func migrationSnapshotLocked(res *Resource) *snapshot {
	s := &snapshot{Name: res.name, Owner: res.owner, Flags: migMigration, Refs: res.refmap.IDs()}
	res.eachLocked(func(lk *Lock) {
		s.Locks = append(s.Locks, recordOf(lk))
	})
	if len(res.lvb) > 0 {
		s.LVB = append([]byte(nil), res.lvb...)
	}
	return s
}

// fragment splits s into messages of at most maxLocks records sharing
// cookie. The last fragment carries migAllDone; the value block and
// references travel in the first.
func (s *snapshot) fragment(cookie uint64, maxLocks int) []*migMsg {
	if maxLocks <= 0 {
		maxLocks = DefaultMaxSnapshotLocks
	}
	var out []*migMsg
	locks := s.Locks
	for first := true; first || len(locks) > 0; first = false {
		n := min(len(locks), maxLocks)
		m := &migMsg{
			Name:   s.Name,
			Owner:  s.Owner,
			Flags:  s.Flags &^ migAllDone,
			Cookie: cookie,
			Locks:  locks[:n],
		}
		if first {
			m.LVB = s.LVB
			m.Refs = s.Refs
		}
		locks = locks[n:]
		out = append(out, m)
	}
	out[len(out)-1].Flags |= migAllDone
	return out
}

type reassemblyKey struct {
	from   cluster.NodeID
	cookie uint64
}

// reassembler collects snapshot fragments per sender and cookie.
type reassembler struct {
	mu      sync.Mutex
	partial map[reassemblyKey]*snapshot
}

func newReassembler() *reassembler {
	return &reassembler{partial: make(map[reassemblyKey]*snapshot)}
}

// add records one fragment and returns the complete snapshot once the
// fragment flagged migAllDone arrives.
func (r *reassembler) add(from cluster.NodeID, m *migMsg) (*snapshot, bool, error) {
	k := reassemblyKey{from: from, cookie: m.Cookie}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.partial[k]
	if !ok {
		s = &snapshot{Name: m.Name, Owner: m.Owner, Flags: m.Flags &^ migAllDone}
		r.partial[k] = s
	} else if s.Name != m.Name {
		delete(r.partial, k)
		return nil, false, fmt.Errorf("%w: fragment for %q under cookie of %q", ErrBadMessage, m.Name, s.Name)
	}
	if len(s.LVB) == 0 && len(m.LVB) > 0 {
		s.LVB = m.LVB
	}
	s.Locks = append(s.Locks, m.Locks...)
	s.Refs = append(s.Refs, m.Refs...)
	if m.Flags&migAllDone == 0 {
		return nil, false, nil
	}
	delete(r.partial, k)
	return s, true, nil
}

// drop discards partial snapshots from a dead sender.
func (r *reassembler) drop(from cluster.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.partial {
		if k.from == from {
			delete(r.partial, k)
			n++
		}
	}
	return n
}

// mergeLocked adds the snapshot's records to res. Placeholders only set
// the sender's reference bit; locks already present are skipped; the
// first valid value block wins.
func (s *snapshot) mergeLocked(res *Resource, self cluster.NodeID) int {
	added := 0
	for _, rec := range s.Locks {
		res.refmap.Set(rec.Node)
		if rec.Queue == queuePlaceholder {
			continue
		}
		if res.findLocked(rec.Cookie) != nil {
			continue
		}
		lk := newLock(rec.Node, rec.Cookie, rec.Req, rec.Node == self)
		lk.mode = rec.Mode
		res.addLocked(lk, rec.Queue)
		added++
	}
	for _, id := range s.Refs {
		res.refmap.Set(id)
	}
	if len(res.lvb) == 0 && len(s.LVB) > 0 {
		res.lvb = append([]byte(nil), s.LVB...)
	}
	return added
}
