package dlm

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
	"github.com/yndnr/lockmesh-go/internal/telemetry/tracer"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// resolvePendingLocked settles this node's requests that were in flight
// to a master that died: creates are dropped and resent later, converts
// revert, and unlocks and cancels count as done.
func (d *Domain) resolvePendingLocked(res *Resource) {
	var done []*Lock
	res.eachLocked(func(lk *Lock) {
		if lk.node != d.self || lk.pending == pendingNone {
			return
		}
		switch lk.pending {
		case pendingCreate:
			lk.dropped = true
			done = append(done, lk)
		case pendingConvert:
			lk.req = lk.mode
		case pendingUnlock, pendingCancel:
			done = append(done, lk)
		}
		lk.pending = pendingNone
		lk.signal()
	})
	for _, lk := range done {
		res.removeLocked(lk)
	}
	var reverted []*Lock
	for _, lk := range res.converting {
		if lk.node == d.self && lk.req == lk.mode {
			reverted = append(reverted, lk)
		}
	}
	for _, lk := range reverted {
		res.moveLocked(lk, queueGranted)
	}
}

// collectRecoveryResources fences every resource dead may have mastered
// and returns them. Resources with an unknown master are requeried first
// and only fenced when no member claims them.
func (d *Domain) collectRecoveryResources(ctx context.Context, dead cluster.NodeID) []*Resource {
	var out, unknown []*Resource
	for _, res := range d.resources.Values() {
		if res.name == recoveryLockName {
			continue
		}
		res.mu.Lock()
		switch res.owner {
		case dead:
			d.resolvePendingLocked(res)
			res.state |= resRecovering
			res.notifyLocked()
			out = append(out, res)
		case cluster.NodeUnknown:
			local := false
			res.eachLocked(func(lk *Lock) { local = local || lk.node == d.self })
			if local || res.state&resMigrating != 0 {
				unknown = append(unknown, res)
			}
		}
		res.mu.Unlock()
	}

	for _, res := range unknown {
		owner, err := d.requery(ctx, res.name)
		if err != nil {
			logger.L(ctx).Debug("requery during recovery failed", "resource", res.name, "error", err)
		}
		res.mu.Lock()
		switch {
		case res.owner != cluster.NodeUnknown && res.owner != dead:
		case err == nil && owner != cluster.NodeUnknown && owner != dead:
			res.owner = owner
			res.state &^= resMigrating
			res.notifyLocked()
		default:
			d.resolvePendingLocked(res)
			res.state |= resRecovering
			res.notifyLocked()
			out = append(out, res)
		}
		res.mu.Unlock()
	}
	return out
}

func (d *Domain) stillContributing(dead, master cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reco.deadNode == dead && d.reco.newMaster == master && d.isMember(master)
}

func (d *Domain) handleLockRequest(msg *transport.Message, _ any) (int32, any) {
	var m recoMsg
	if err := m.unmarshal(msg.Payload); err != nil || m.Master != msg.From {
		return statusBadMessage, nil
	}
	d.mu.Lock()
	if d.reco.deadNode != m.Dead || d.reco.newMaster != m.Master {
		d.mu.Unlock()
		return statusRetry, nil
	}
	if d.reco.contributing {
		d.mu.Unlock()
		return statusOK, nil
	}
	d.reco.contributing = true
	d.mu.Unlock()

	if !d.spawn(func() { d.contribute(m.Dead, m.Master) }) {
		return statusRetry, nil
	}
	return statusOK, nil
}

func (d *Domain) contribute(dead, master cluster.NodeID) {
	ctx, span := tracer.StartSpan(d.sessionContext(dead), "dlm.recovery.contribute", d.spanAttrs(dead)...)
	n, err := d.sendRecoveryData(ctx, dead, master)
	tracer.EndSpan(span, err)
	if err != nil {
		logger.L(ctx).Warn("recovery contribution aborted", "reco_master", master, "error", err)
		d.mu.Lock()
		if d.reco.deadNode == dead && d.reco.newMaster == master {
			d.reco.contributing = false
		}
		d.mu.Unlock()
		return
	}
	logger.L(ctx).Info("recovery data sent", "reco_master", master, "resources", n)
}

// sendRecoveryData ships a snapshot of every fenced resource to master,
// then tells it this node is done.
func (d *Domain) sendRecoveryData(ctx context.Context, dead, master cluster.NodeID) (int, error) {
	resources := d.collectRecoveryResources(ctx, dead)
	for _, res := range resources {
		res.mu.Lock()
		snap := recoverySnapshotLocked(res, d.self)
		res.mu.Unlock()

		for _, frag := range snap.fragment(d.nextCookie(), d.cfg.MaxSnapshotLocks) {
			if !d.stillContributing(dead, master) {
				return 0, errAbandoned
			}
			if err := d.sendReliably(ctx, msgMigLockres, frag.marshal(), master); err != nil {
				return 0, err
			}
			if hook := d.hooks.fragmentSent; hook != nil && !hook(dead, master) {
				return 0, errAbandoned
			}
		}
	}
	if !d.stillContributing(dead, master) {
		return 0, errAbandoned
	}
	done := recoMsg{Dead: dead, Master: master}
	if err := d.sendReliably(ctx, msgRecoDataDone, done.marshal(), master); err != nil {
		return 0, err
	}
	if !d.isMember(master) {
		return 0, errAbandoned
	}
	return len(resources), nil
}

func (d *Domain) handleMigLockres(msg *transport.Message, _ any) (int32, any) {
	var m migMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	if m.Flags&migRecovery != 0 {
		d.mu.Lock()
		if d.reco.newMaster != d.self {
			d.mu.Unlock()
			return statusNotMaster, nil
		}
		switch d.reco.roster[msg.From] {
		case RosterRequesting, RosterRequested:
			d.reco.roster[msg.From] = RosterReceiving
			d.notifyLocked()
		case RosterDead:
			d.mu.Unlock()
			return statusNotMaster, nil
		}
		d.mu.Unlock()
	}

	s, done, err := d.reasm.add(msg.From, &m)
	if err != nil {
		d.logger.Warn("bad snapshot fragment", "peer", msg.From, "error", err)
		return statusBadMessage, nil
	}
	if !done {
		return statusOK, nil
	}
	if s.Flags&migMigration != 0 {
		d.mergeMigration(s)
	} else {
		d.mergeRecovery(msg.From, s)
	}
	return statusOK, nil
}

// mergeRecovery adds a survivor's snapshot to a resource this node is
// recovering.
func (d *Domain) mergeRecovery(from cluster.NodeID, s *snapshot) {
	res := d.resource(s.Name)
	res.mu.Lock()
	defer res.mu.Unlock()
	live := res.state&resRecovering == 0 && res.owner != cluster.NodeUnknown
	if live && res.owner != d.self && d.isMember(res.owner) {
		d.logger.Debug("skipping snapshot for live resource", "resource", s.Name, "peer", from, "owner", res.owner)
		return
	}
	n := s.mergeLocked(res, d.self)
	if live && res.owner == d.self {
		// The sender missed an earlier handover of this resource.
		d.deliverLocked(res, res.grantPassLocked())
	} else {
		res.state |= resRecovering
	}
	res.notifyLocked()
	d.logger.Debug("merged recovery snapshot", "resource", s.Name, "peer", from, "locks", n)
}

func (d *Domain) handleDataDone(msg *transport.Message, _ any) (int32, any) {
	var m recoMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reco.newMaster != d.self || d.reco.deadNode != m.Dead {
		return statusNotMaster, nil
	}
	if st, ok := d.reco.roster[msg.From]; ok && st != RosterDead {
		d.reco.roster[msg.From] = RosterDone
		d.notifyLocked()
	}
	return statusOK, nil
}

// handleBeginReco adopts the sender as recovery master for m.Dead.
func (d *Domain) handleBeginReco(msg *transport.Message, _ any) (int32, any) {
	var m recoMsg
	if err := m.unmarshal(msg.Payload); err != nil || m.Master != msg.From {
		return statusBadMessage, nil
	}
	if m.Dead == d.self {
		d.logger.Warn("peer is recovering this node", "reco_master", m.Master)
		return statusBadMessage, nil
	}

	d.mu.Lock()
	if !d.reco.recoveryMap.Test(m.Dead) && d.isMember(m.Dead) {
		// The master saw the death first.
		d.mu.Unlock()
		d.nodeDown(m.Dead)
		d.mu.Lock()
	}
	if !d.reco.recoveryMap.Test(m.Dead) {
		d.mu.Unlock()
		return statusOK, nil
	}
	if d.reco.deadNode == m.Dead && d.reco.newMaster == m.Master {
		d.mu.Unlock()
		return statusOK, nil
	}
	if d.reco.finalizing {
		// The current session ends with phase 2; the next one waits for it.
		d.mu.Unlock()
		return statusRetry, nil
	}
	if d.reco.newMaster == d.self {
		dead := d.reco.deadNode
		d.mu.Unlock()
		d.fatal("node %s began recovery of %s while this node is recovery master for %s", m.Master, m.Dead, dead)
		return statusRetry, nil
	}
	if d.reco.deadNode != cluster.NodeUnknown && d.reco.deadNode != m.Dead {
		d.logger.Info("switching recovery target", "from", d.reco.deadNode, "to", m.Dead, "reco_master", m.Master)
		d.reco.session = ulid.ULID{}
	}
	d.reco.deadNode = m.Dead
	d.reco.newMaster = m.Master
	d.reco.phase = PhaseRemoteMaster
	d.reco.finalizing = false
	d.reco.contributing = false
	d.reco.roster = nil
	d.beginSessionLocked()
	d.recovering.Store(true)
	d.notifyLocked()
	d.mu.Unlock()

	d.logger.Info("recovery master announced", "dead_node", m.Dead, "reco_master", m.Master)
	d.kick()
	return statusOK, nil
}

func (d *Domain) handleFinalizeReco(msg *transport.Message, _ any) (int32, any) {
	var m finalizeMsg
	if err := m.unmarshal(msg.Payload); err != nil || m.Master != msg.From {
		return statusBadMessage, nil
	}

	d.mu.Lock()
	if d.reco.newMaster == d.self {
		d.mu.Unlock()
		d.fatal("node %s finalized recovery of %s while this node is recovery master", m.Master, m.Dead)
		return statusRetry, nil
	}
	if d.reco.deadNode != m.Dead || d.reco.newMaster != m.Master {
		if !d.reco.recoveryMap.Test(m.Dead) {
			d.mu.Unlock()
			return statusOK, nil
		}
		dead, master := d.reco.deadNode, d.reco.newMaster
		d.mu.Unlock()
		d.fatal("finalize of %s by %s does not match session %s by %s", m.Dead, m.Master, dead, master)
		return statusRetry, nil
	}

	switch m.Phase {
	case FinalizePhase1:
		if d.reco.finalizing {
			d.mu.Unlock()
			return statusOK, nil
		}
		d.reco.finalizing = true
		d.reco.phase = PhaseFinalizing
		d.notifyLocked()
		d.mu.Unlock()
		d.finishLocalRecovery(m.Dead, m.Master)
	case FinalizePhase2:
		if !d.reco.finalizing {
			d.mu.Unlock()
			d.fatal("finalize phase 2 of %s without phase 1", m.Dead)
			return statusRetry, nil
		}
		d.mu.Unlock()
		d.completeSession(m.Dead)
	}
	return statusOK, nil
}
