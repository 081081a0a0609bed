package dlm

import (
	"errors"
	"sync"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

const maxGrantAttempts = 5

type grant struct {
	node cluster.NodeID
	msg  lockMsg
}

// grantQueue delivers proxy grants to remote lock holders from its own
// goroutine, so handlers never send while holding a resource.
type grantQueue struct {
	d      *Domain
	mu     sync.Mutex
	items  []grant
	signal chan struct{}
}

func newGrantQueue(d *Domain) *grantQueue {
	return &grantQueue{d: d, signal: make(chan struct{}, 1)}
}

func (q *grantQueue) push(g grant) {
	q.mu.Lock()
	q.items = append(q.items, g)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *grantQueue) run() {
	for {
		select {
		case <-q.d.stopCh:
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			items := q.items
			q.items = nil
			q.mu.Unlock()
			if len(items) == 0 {
				break
			}
			for _, g := range items {
				q.d.deliverGrant(g)
			}
		}
	}
}

func (d *Domain) deliverGrant(g grant) {
	payload := g.msg.marshal()
	for attempt := 1; ; attempt++ {
		st, err := d.send(d.ctx, msgProxyGrant, payload, g.node)
		if err == nil {
			if st != statusOK {
				d.logger.Debug("grant not taken", "peer", g.node, "resource", g.msg.Name, "error", statusErr(st))
			}
			return
		}
		if d.ctx.Err() != nil || !d.isMember(g.node) || errors.Is(err, transport.ErrNoHandler) {
			return
		}
		if attempt >= maxGrantAttempts {
			d.logger.Warn("grant delivery failed", "peer", g.node, "resource", g.msg.Name, "error", err)
			return
		}
		if d.pause(d.ctx) != nil {
			return
		}
	}
}

// deliverLocked completes grants: local waiters are woken directly,
// remote holders get a proxy grant carrying the value block.
func (d *Domain) deliverLocked(res *Resource, granted []*Lock) {
	for _, lk := range granted {
		if lk.node == d.self {
			lk.grantLocked(lk.mode, res.lvb)
			lk.signal()
			continue
		}
		m := lockMsg{Name: res.name, Cookie: lk.cookie, Mode: lk.mode}
		if lk.mode >= ModePR && len(res.lvb) > 0 {
			m.LVB = append([]byte(nil), res.lvb...)
		}
		d.grants.push(grant{node: lk.node, msg: m})
	}
	if len(granted) > 0 {
		res.notifyLocked()
	}
}

// masterStatusLocked checks that this node may serve lock requests on res.
func (d *Domain) masterStatusLocked(res *Resource, flags Flags) int32 {
	if res.owner != d.self {
		return statusNotMaster
	}
	if res.state&(resRecovering|resMigrating) != 0 && flags&FlagRecovery == 0 {
		return statusRecovering
	}
	return statusOK
}

func (d *Domain) handleCreateLock(msg *transport.Message, _ any) (int32, any) {
	var m lockMsg
	if err := m.unmarshal(msg.Payload); err != nil || !m.Mode.Valid() {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		return statusNotMaster, nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if st := d.masterStatusLocked(res, m.Flags); st != statusOK {
		return st, nil
	}

	if lk := res.findLocked(m.Cookie); lk != nil {
		if lk.node != msg.From {
			return statusBadMessage, nil
		}
		if lk.queue == queueGranted {
			d.deliverLocked(res, []*Lock{lk})
		}
		return statusOK, nil
	}

	lk := newLock(msg.From, m.Cookie, m.Mode, false)
	res.refmap.Set(msg.From)
	if res.canGrantNewLocked(m.Mode) {
		lk.mode = m.Mode
		res.addLocked(lk, queueGranted)
		d.deliverLocked(res, []*Lock{lk})
		return statusOK, nil
	}
	if m.Flags&FlagNoQueue != 0 {
		return statusNotQueued, nil
	}
	res.addLocked(lk, queueBlocked)
	return statusOK, nil
}

func (d *Domain) handleConvertLock(msg *transport.Message, _ any) (int32, any) {
	var m lockMsg
	if err := m.unmarshal(msg.Payload); err != nil || !m.Mode.Valid() {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		return statusNotMaster, nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if st := d.masterStatusLocked(res, m.Flags); st != statusOK {
		return st, nil
	}

	lk := res.findLocked(m.Cookie)
	if lk == nil || lk.node != msg.From {
		return statusUnknownLock, nil
	}
	switch {
	case lk.queue == queueConverting && lk.req == m.Mode:
		return statusOK, nil
	case lk.queue == queueGranted && lk.mode == m.Mode:
		d.deliverLocked(res, []*Lock{lk})
		return statusOK, nil
	case lk.queue != queueGranted:
		return statusBadMessage, nil
	}

	if lk.mode == ModeEX && m.Mode < ModeEX && len(m.LVB) > 0 {
		res.lvb = append(res.lvb[:0], m.LVB...)
	}
	if res.canConvertLocked(lk, m.Mode) {
		lk.mode = m.Mode
		lk.req = m.Mode
		d.deliverLocked(res, append([]*Lock{lk}, res.grantPassLocked()...))
		return statusOK, nil
	}
	if m.Flags&FlagNoQueue != 0 {
		return statusNotQueued, nil
	}
	lk.req = m.Mode
	res.moveLocked(lk, queueConverting)
	return statusOK, nil
}

func (d *Domain) handleUnlockLock(msg *transport.Message, _ any) (int32, any) {
	var m lockMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		return statusUnknownLock, nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if st := d.masterStatusLocked(res, m.Flags); st != statusOK {
		return st, nil
	}

	lk := res.findLocked(m.Cookie)
	if lk == nil {
		return statusUnknownLock, nil
	}
	if lk.node != msg.From {
		return statusBadMessage, nil
	}
	if m.Flags&flagCancel == 0 && lk.mode == ModeEX && len(m.LVB) > 0 {
		res.lvb = append(res.lvb[:0], m.LVB...)
	}
	res.removeLocked(lk)
	d.deliverLocked(res, res.grantPassLocked())
	res.notifyLocked()
	return statusOK, nil
}

// handleProxyGrant applies a grant from the master to a local lock.
func (d *Domain) handleProxyGrant(msg *transport.Message, _ any) (int32, any) {
	var m lockMsg
	if err := m.unmarshal(msg.Payload); err != nil || !m.Mode.Valid() {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		return statusUnknownLock, nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()

	lk := res.findLocked(m.Cookie)
	if lk == nil || lk.node != d.self {
		return statusUnknownLock, nil
	}
	lk.grantLocked(m.Mode, m.LVB)
	if lk.queue != queueGranted {
		res.moveLocked(lk, queueGranted)
	}
	if lk.pending == pendingCreate || lk.pending == pendingConvert {
		lk.pending = pendingNone
	}
	if m.Mode >= ModePR && len(m.LVB) > 0 {
		res.lvb = append(res.lvb[:0], m.LVB...)
	}
	lk.signal()
	res.notifyLocked()
	return statusOK, nil
}
