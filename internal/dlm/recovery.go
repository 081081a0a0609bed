package dlm

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
	"github.com/yndnr/lockmesh-go/internal/telemetry/tracer"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// errAbandoned stops a recovery step whose session changed underneath it.
var errAbandoned = errors.New("dlm: recovery session abandoned")

// recoveryLoop is the domain's recovery thread.
func (d *Domain) recoveryLoop() {
	t := time.NewTicker(d.cfg.RecoveryPoll)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.recoWake:
		case <-t.C:
		}
		d.doRecovery()
	}
}

// doRecovery advances recovery by one step: pick the lowest dead node,
// elect a master, and either remaster locally or leave the session to
// the remote master.
func (d *Domain) doRecovery() {
	d.mu.Lock()
	if d.reco.deadNode != cluster.NodeUnknown && !d.reco.recoveryMap.Test(d.reco.deadNode) {
		d.reco.reset()
	}
	if d.reco.deadNode == cluster.NodeUnknown {
		if d.reco.recoveryMap.Empty() {
			if d.reco.phase != PhaseIdle || d.recovering.Load() {
				d.reco.phase = PhaseIdle
				d.recovering.Store(false)
				d.notifyLocked()
			}
			d.mu.Unlock()
			return
		}
		d.reco.deadNode = d.reco.recoveryMap.Lowest()
		d.beginSessionLocked()
	}
	if d.reco.phase == PhaseIdle {
		d.reco.phase = PhaseElecting
	}
	d.recovering.Store(true)
	dead, master, finalizing := d.reco.deadNode, d.reco.newMaster, d.reco.finalizing
	d.mu.Unlock()

	if finalizing {
		if master == d.self {
			d.finalize(d.sessionContext(dead), dead)
		}
		return
	}
	switch master {
	case d.self:
		d.runMaster(dead)
	case cluster.NodeUnknown:
		d.elect(dead)
	}
}

func (d *Domain) beginSessionLocked() {
	if d.reco.session != (ulid.ULID{}) {
		return
	}
	d.reco.session = ulid.Make()
	d.reco.started = time.Now()
	d.metrics.Started(d.name)
	d.logger.Info("recovery started", "dead_node", d.reco.deadNode, "session", d.reco.session.String())
}

func (d *Domain) sessionContext(dead cluster.NodeID) context.Context {
	d.mu.Lock()
	session := d.reco.session.String()
	d.mu.Unlock()
	l := d.logger.With("dead_node", dead)
	return logger.WithSessionID(logger.WithLogger(d.ctx, l), session)
}

func (d *Domain) spanAttrs(dead cluster.NodeID) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("domain", d.name),
		attribute.Int("dead_node", int(dead)),
		attribute.Int("node", int(d.self)),
	}
}

// elect races for the $RECOVERY lock. The holder becomes recovery master
// unless someone announced themselves first, and announces itself to
// every member before releasing the lock.
func (d *Domain) elect(dead cluster.NodeID) {
	ctx, cancel := context.WithTimeout(d.sessionContext(dead), d.cfg.RequestTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "dlm.recovery.elect", d.spanAttrs(dead)...)
	won, err := d.tryElect(ctx, dead)
	span.SetAttributes(attribute.Bool("won", won))
	tracer.EndSpan(span, err)
	if err != nil {
		logger.L(ctx).Warn("recovery election failed", "error", err)
	}
}

func (d *Domain) tryElect(ctx context.Context, dead cluster.NodeID) (bool, error) {
	h, err := d.Lock(ctx, recoveryLockName, ModeEX, FlagNoQueue|FlagRecovery)
	if errors.Is(err, ErrNotQueued) {
		logger.L(ctx).Debug("lost recovery election")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	if d.reco.newMaster != cluster.NodeUnknown || d.reco.deadNode != dead {
		master := d.reco.newMaster
		d.mu.Unlock()
		logger.L(ctx).Debug("recovery master already chosen", "reco_master", master)
		return false, d.Unlock(ctx, h)
	}
	d.reco.newMaster = d.self
	d.reco.phase = PhaseLocalMaster
	d.notifyLocked()
	d.mu.Unlock()

	d.electionsWon.Add(1)
	d.metrics.ElectionWon(d.name)
	logger.L(ctx).Info("won recovery election")

	begin := recoMsg{Dead: dead, Master: d.self}
	berr := d.broadcast(ctx, msgBeginReco, begin.marshal())
	if berr != nil {
		// Not everyone heard; run the election again.
		d.mu.Lock()
		if d.reco.newMaster == d.self && d.reco.deadNode == dead {
			d.reco.newMaster = cluster.NodeUnknown
			d.reco.phase = PhaseElecting
			d.notifyLocked()
		}
		d.mu.Unlock()
	}
	if err := d.Unlock(ctx, h); err != nil {
		logger.L(ctx).Warn("release recovery lock", "error", err)
	}
	d.kick()
	return berr == nil, berr
}

func (d *Domain) stillMaster(dead cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reco.newMaster == d.self && d.reco.deadNode == dead
}

func (d *Domain) setRoster(id cluster.NodeID, from []RosterState, to RosterState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.reco.roster[id]
	if !ok {
		return
	}
	for _, s := range from {
		if cur == s {
			d.reco.roster[id] = to
			d.notifyLocked()
			return
		}
	}
}

// runMaster drives a session this node won: survivors are asked for
// their locks one at a time, then the session is finalized once every
// survivor is done or dead.
func (d *Domain) runMaster(dead cluster.NodeID) {
	d.mu.Lock()
	if d.reco.roster == nil {
		d.reco.roster = make(map[cluster.NodeID]RosterState)
		d.Members().Without(d.self).Each(func(id cluster.NodeID) {
			d.reco.roster[id] = RosterInit
		})
		d.notifyLocked()
	}
	ids := make([]cluster.NodeID, 0, len(d.reco.roster))
	for id := range d.reco.roster {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ctx, span := tracer.StartSpan(d.sessionContext(dead), "dlm.recovery.remaster", d.spanAttrs(dead)...)
	err := d.remaster(ctx, dead, ids)
	tracer.EndSpan(span, err)
	if err != nil {
		logger.L(ctx).Warn("remaster interrupted", "error", err)
		return
	}
	d.finalize(ctx, dead)
}

func (d *Domain) remaster(ctx context.Context, dead cluster.NodeID, ids []cluster.NodeID) error {
	own := d.collectRecoveryResources(ctx, dead)
	logger.L(ctx).Debug("local resources fenced", "count", len(own))

	for _, id := range ids {
		if err := d.requestLocks(ctx, dead, id); err != nil {
			return err
		}
	}
	return d.waitContributions(ctx, dead)
}

func (d *Domain) requestLocks(ctx context.Context, dead, id cluster.NodeID) error {
	payload := (&recoMsg{Dead: dead, Master: d.self}).marshal()
	for {
		if !d.stillMaster(dead) {
			return errAbandoned
		}
		d.mu.Lock()
		st := d.reco.roster[id]
		if st != RosterInit && st != RosterRequesting {
			d.mu.Unlock()
			return nil
		}
		d.reco.roster[id] = RosterRequesting
		d.notifyLocked()
		d.mu.Unlock()

		status, err := d.send(ctx, msgLockRequest, payload, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil && (!d.isMember(id) || errors.Is(err, transport.ErrNoHandler)):
			d.setRoster(id, []RosterState{RosterRequesting}, RosterDead)
			return nil
		case err != nil:
			logger.L(ctx).Debug("lock request failed", "peer", id, "error", err)
		case status == statusOK:
			d.setRoster(id, []RosterState{RosterRequesting}, RosterRequested)
			return nil
		default:
			logger.L(ctx).Debug("lock request deferred", "peer", id, "error", statusErr(status))
		}
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

func (d *Domain) waitContributions(ctx context.Context, dead cluster.NodeID) error {
	for {
		d.mu.Lock()
		if d.reco.newMaster != d.self || d.reco.deadNode != dead {
			d.mu.Unlock()
			return errAbandoned
		}
		done := true
		for _, st := range d.reco.roster {
			if st != RosterDone && st != RosterDead {
				done = false
				break
			}
		}
		ch := d.changed
		d.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return ErrNotJoined
		}
	}
}

// finalize adopts the orphaned resources and runs both finalize phases.
func (d *Domain) finalize(ctx context.Context, dead cluster.NodeID) {
	ctx, span := tracer.StartSpan(ctx, "dlm.recovery.finalize", d.spanAttrs(dead)...)

	d.mu.Lock()
	d.reco.phase = PhaseFinalizing
	d.reco.finalizing = true
	d.notifyLocked()
	d.mu.Unlock()

	adopted := d.finishLocalRecovery(dead, d.self)
	span.SetAttributes(attribute.Int("adopted", adopted))

	for _, phase := range []FinalizePhase{FinalizePhase1, FinalizePhase2} {
		msg := finalizeMsg{Dead: dead, Master: d.self, Phase: phase}
		if err := d.broadcast(ctx, msgFinalizeReco, msg.marshal()); err != nil {
			tracer.EndSpan(span, err)
			logger.L(ctx).Warn("finalize broadcast failed", "phase", phase, "error", err)
			return
		}
	}
	tracer.EndSpan(span, nil)
	d.metrics.Migrated(d.name, adopted)
	d.completeSession(dead)
}

// completeSession clears dead from the recovery map and resets the
// session.
func (d *Domain) completeSession(dead cluster.NodeID) {
	d.mu.Lock()
	started, master := d.reco.started, d.reco.newMaster
	session := d.reco.session.String()
	d.reco.recoveryMap.Clear(dead)
	d.reco.reset()
	if d.reco.recoveryMap.Empty() {
		d.recovering.Store(false)
	}
	d.notifyLocked()
	d.mu.Unlock()

	d.completed.Add(1)
	var took time.Duration
	if !started.IsZero() {
		took = time.Since(started)
	}
	d.metrics.Finished(d.name, took)
	d.logger.Info("recovery complete", "dead_node", dead, "reco_master", master, "session", session, "duration", took)
	d.kick()
}

// finishLocalRecovery hands every resource orphaned by dead to master.
// On the master itself, locks of departed nodes are discarded and the
// queues are regranted.
func (d *Domain) finishLocalRecovery(dead, master cluster.NodeID) int {
	members := d.Members()
	n := 0
	for _, res := range d.resources.Values() {
		if res.name == recoveryLockName {
			continue
		}
		res.mu.Lock()
		orphan := res.owner == dead || (res.owner == cluster.NodeUnknown && res.state&resRecovering != 0)
		if !orphan {
			if res.state&resRecovering != 0 && res.owner != cluster.NodeUnknown && d.isMember(res.owner) {
				res.state &^= resRecovering
				res.notifyLocked()
			}
			res.mu.Unlock()
			continue
		}
		res.owner = master
		res.state &^= resRecovering | resMigrating
		if master == d.self {
			var gone []cluster.NodeID
			res.eachLocked(func(lk *Lock) {
				if !members.Test(lk.node) {
					gone = append(gone, lk.node)
				}
			})
			for _, id := range gone {
				res.dropNodeLocked(id)
			}
			res.refmap.Set(d.self)
			d.deliverLocked(res, res.grantPassLocked())
			n++
		}
		res.notifyLocked()
		res.mu.Unlock()
	}
	return n
}
