package dlm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// Message types. All of them are registered under the domain key.
const (
	msgMasterRequest uint16 = 500 + iota
	msgAssertMaster
	msgCreateLock
	msgConvertLock
	msgUnlockLock
	msgProxyGrant
	msgMigrateRequest
	msgMigLockres
	msgMasterRequery
	msgLockRequest
	msgRecoDataDone
	msgBeginReco
	msgFinalizeReco
	msgJoinDomain
	msgExitDomain
)

// Join replies.
const (
	joinNo  int32 = 0
	joinYes int32 = 1
)

type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

// repeated varints keep zero values.
func (e *encoder) repeated(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

type field struct {
	num protowire.Number
	u   uint64
	b   []byte
}

func decodeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func nodeField(v uint64) (cluster.NodeID, error) {
	if v > uint64(cluster.NodeUnknown) {
		return 0, fmt.Errorf("%w: node id %d", ErrBadMessage, v)
	}
	return cluster.NodeID(v), nil
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

// nameMsg carries a bare resource name: master request and requery.
type nameMsg struct {
	Name string
}

func (m *nameMsg) marshal() []byte {
	var e encoder
	e.string(1, m.Name)
	return e.b
}

func (m *nameMsg) unmarshal(b []byte) error {
	err := decodeFields(b, func(f field) error {
		if f.num == 1 {
			m.Name = string(f.b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return checkName(m.Name)
}

// ownerMsg names a resource and its master: assert master and migrate
// request.
type ownerMsg struct {
	Name  string
	Owner cluster.NodeID
}

func (m *ownerMsg) marshal() []byte {
	var e encoder
	e.string(1, m.Name)
	e.uint(2, uint64(m.Owner))
	return e.b
}

func (m *ownerMsg) unmarshal(b []byte) (err error) {
	err = decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Name = string(f.b)
		case 2:
			m.Owner, err = nodeField(f.u)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return checkName(m.Name)
}

// lockMsg is a lock operation: create, convert, unlock, proxy grant.
type lockMsg struct {
	Name   string
	Cookie uint64
	Mode   Mode
	Flags  Flags
	LVB    []byte
}

func (m *lockMsg) marshal() []byte {
	var e encoder
	e.string(1, m.Name)
	e.uint(2, m.Cookie)
	e.uint(3, uint64(m.Mode))
	e.uint(4, uint64(m.Flags))
	e.bytes(5, m.LVB)
	return e.b
}

func (m *lockMsg) unmarshal(b []byte) error {
	err := decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Name = string(f.b)
		case 2:
			m.Cookie = f.u
		case 3:
			m.Mode = Mode(f.u)
		case 4:
			m.Flags = Flags(f.u)
		case 5:
			m.LVB = append([]byte(nil), f.b...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(m.LVB) > LVBLen {
		return fmt.Errorf("%w: lvb %d bytes", ErrBadMessage, len(m.LVB))
	}
	return checkName(m.Name)
}

// recoMsg names a dead node and a recovery master: begin recovery,
// lock request, data done.
type recoMsg struct {
	Dead   cluster.NodeID
	Master cluster.NodeID
}

func (m *recoMsg) marshal() []byte {
	var e encoder
	e.repeated(1, uint64(m.Dead))
	e.repeated(2, uint64(m.Master))
	return e.b
}

func (m *recoMsg) unmarshal(b []byte) (err error) {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Dead, err = nodeField(f.u)
		case 2:
			m.Master, err = nodeField(f.u)
		}
		return err
	})
}

// FinalizePhase tags the two finalize broadcasts.
type FinalizePhase uint8

const (
	FinalizePhase1 FinalizePhase = 1
	FinalizePhase2 FinalizePhase = 2
)

type finalizeMsg struct {
	Dead   cluster.NodeID
	Master cluster.NodeID
	Phase  FinalizePhase
}

func (m *finalizeMsg) marshal() []byte {
	var e encoder
	e.repeated(1, uint64(m.Dead))
	e.repeated(2, uint64(m.Master))
	e.uint(3, uint64(m.Phase))
	return e.b
}

func (m *finalizeMsg) unmarshal(b []byte) (err error) {
	err = decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Dead, err = nodeField(f.u)
		case 2:
			m.Master, err = nodeField(f.u)
		case 3:
			m.Phase = FinalizePhase(f.u)
		}
		return err
	})
	if err != nil {
		return err
	}
	if m.Phase != FinalizePhase1 && m.Phase != FinalizePhase2 {
		return fmt.Errorf("%w: finalize phase %d", ErrBadMessage, m.Phase)
	}
	return nil
}

type migFlags uint32

const (
	migRecovery migFlags = 1 << iota
	migMigration
	migAllDone
)

// lockRecord is one lock inside a snapshot.
type lockRecord struct {
	Node   cluster.NodeID
	Cookie uint64
	Mode   Mode
	Req    Mode
	Queue  queueKind
}

func (r *lockRecord) marshal() []byte {
	var e encoder
	e.repeated(1, uint64(r.Node))
	e.uint(2, r.Cookie)
	e.repeated(3, uint64(r.Mode))
	e.repeated(4, uint64(r.Req))
	e.uint(5, uint64(r.Queue))
	return e.b
}

func (r *lockRecord) unmarshal(b []byte) (err error) {
	err = decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.Node, err = nodeField(f.u)
		case 2:
			r.Cookie = f.u
		case 3:
			r.Mode = Mode(f.u)
		case 4:
			r.Req = Mode(f.u)
		case 5:
			r.Queue = queueKind(f.u)
		}
		return err
	})
	if err != nil {
		return err
	}
	if r.Queue > queuePlaceholder {
		return fmt.Errorf("%w: queue %d", ErrBadMessage, r.Queue)
	}
	return nil
}

// migMsg is one fragment of a resource snapshot, sent for recovery or
// migration. Fragments of one snapshot share a cookie; the last carries
// migAllDone.
type migMsg struct {
	Name   string
	Owner  cluster.NodeID
	Flags  migFlags
	Cookie uint64
	LVB    []byte
	Locks  []lockRecord
	Refs   []cluster.NodeID
}

func (m *migMsg) marshal() []byte {
	var e encoder
	e.string(1, m.Name)
	e.repeated(2, uint64(m.Owner))
	e.uint(3, uint64(m.Flags))
	e.uint(4, m.Cookie)
	e.bytes(5, m.LVB)
	for i := range m.Locks {
		e.bytes(6, m.Locks[i].marshal())
	}
	for _, id := range m.Refs {
		e.repeated(7, uint64(id))
	}
	return e.b
}

func (m *migMsg) unmarshal(b []byte) (err error) {
	err = decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Name = string(f.b)
		case 2:
			m.Owner, err = nodeField(f.u)
		case 3:
			m.Flags = migFlags(f.u)
		case 4:
			m.Cookie = f.u
		case 5:
			m.LVB = append([]byte(nil), f.b...)
		case 6:
			var r lockRecord
			if err = r.unmarshal(f.b); err == nil {
				m.Locks = append(m.Locks, r)
			}
		case 7:
			var id cluster.NodeID
			if id, err = nodeField(f.u); err == nil {
				m.Refs = append(m.Refs, id)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	if len(m.LVB) > LVBLen {
		return fmt.Errorf("%w: lvb %d bytes", ErrBadMessage, len(m.LVB))
	}
	return checkName(m.Name)
}
