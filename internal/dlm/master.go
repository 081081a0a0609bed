package dlm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// ring returns the hash ring for the current members.
func (d *Domain) ring() *ring {
	members := d.Members()
	if r := d.ringCache.Load(); r != nil && r.members == members {
		return r
	}
	r := newRing(members)
	d.ringCache.Store(r)
	return r
}

// discoverOwner finds the master of res: a requery of every member
// first, then the resource's home node, which assigns mastery to the
// first requester.
func (d *Domain) discoverOwner(ctx context.Context, res *Resource) error {
	res.mu.Lock()
	known := res.owner != cluster.NodeUnknown
	res.mu.Unlock()
	if known {
		return nil
	}

	owner, err := d.requery(ctx, res.name)
	if err != nil {
		return err
	}
	if owner == cluster.NodeUnknown {
		home := d.ring().home(res.name)
		if home == d.self {
			var st int32
			if owner, st = d.assignAtHome(res.name, d.self); st != statusOK {
				return statusErr(st)
			}
		} else {
			st, err := d.send(ctx, msgMasterRequest, (&nameMsg{Name: res.name}).marshal(), home)
			if err != nil {
				return fmt.Errorf("master request to home %s: %w", home, err)
			}
			if st < 0 || st >= int32(cluster.NodeUnknown) {
				return fmt.Errorf("master request to home %s: %w", home, statusErr(st))
			}
			owner = cluster.NodeID(st)
		}
	}
	if owner != d.self && !d.isMember(owner) {
		return fmt.Errorf("master %s of %q is not a member", owner, res.name)
	}

	res.mu.Lock()
	if res.owner == cluster.NodeUnknown {
		res.owner = owner
		if owner == d.self {
			res.refmap.Set(d.self)
		}
		res.notifyLocked()
	}
	res.mu.Unlock()
	d.logger.Debug("master found", "resource", res.name, "owner", owner)
	return nil
}

// assignAtHome is the home node's arbitration: an unowned name goes to
// the requester.
func (d *Domain) assignAtHome(name string, requester cluster.NodeID) (cluster.NodeID, int32) {
	res := d.resource(name)
	res.mu.Lock()
	defer res.mu.Unlock()

	if res.state&(resRecovering|resMigrating) != 0 {
		return cluster.NodeUnknown, statusRecovering
	}
	switch {
	case res.owner == cluster.NodeUnknown:
		if d.recovering.Load() && name != recoveryLockName {
			return cluster.NodeUnknown, statusRecovering
		}
		res.owner = requester
		res.notifyLocked()
	case res.owner != d.self && !d.isMember(res.owner):
		return cluster.NodeUnknown, statusRecovering
	}
	if res.owner == d.self {
		res.refmap.Set(requester)
	}
	return res.owner, statusOK
}

// requery asks every member whether it masters name. Only a master
// answers with its own id. Two different answers are fatal.
func (d *Domain) requery(ctx context.Context, name string) (cluster.NodeID, error) {
	payload := (&nameMsg{Name: name}).marshal()

	var mu sync.Mutex
	owner, rival := cluster.NodeUnknown, cluster.NodeUnknown
	g, gctx := errgroup.WithContext(ctx)
	d.Members().Without(d.self).Each(func(id cluster.NodeID) {
		g.Go(func() error {
			st, err := d.send(gctx, msgMasterRequery, payload, id)
			if err != nil {
				if peerGone(err) || !d.isMember(id) {
					return nil
				}
				return fmt.Errorf("requery node %s: %w", id, err)
			}
			if st >= 0 && st < int32(cluster.NodeUnknown) {
				mu.Lock()
				switch answer := cluster.NodeID(st); {
				case owner == cluster.NodeUnknown:
					owner = answer
				case owner != answer:
					rival = answer
				}
				mu.Unlock()
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return cluster.NodeUnknown, err
	}
	if rival != cluster.NodeUnknown {
		d.fatal("resource %q is mastered by both %s and %s", name, owner, rival)
		return cluster.NodeUnknown, fmt.Errorf("requery %q: %w", name, ErrMasterConflict)
	}
	return owner, nil
}

func (d *Domain) handleMasterRequest(msg *transport.Message, _ any) (int32, any) {
	var m nameMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	if d.ring().home(m.Name) != d.self {
		return statusNotHome, nil
	}
	owner, st := d.assignAtHome(m.Name, msg.From)
	if st != statusOK {
		return st, nil
	}
	return int32(owner), nil
}

func (d *Domain) handleMasterRequery(msg *transport.Message, _ any) (int32, any) {
	var m nameMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		return int32(cluster.NodeUnknown), nil
	}
	res.mu.Lock()
	mine := res.owner == d.self && res.state&resMigrating == 0
	if mine {
		res.refmap.Set(msg.From)
	}
	res.mu.Unlock()
	if !mine {
		return int32(cluster.NodeUnknown), nil
	}

	from := msg.From
	d.spawn(func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
		defer cancel()
		assert := ownerMsg{Name: m.Name, Owner: d.self}
		if _, err := d.send(ctx, msgAssertMaster, assert.marshal(), from); err != nil {
			d.logger.Debug("assert master failed", "resource", m.Name, "peer", from, "error", err)
		}
	})
	return int32(d.self), nil
}

func (d *Domain) handleAssertMaster(msg *transport.Message, _ any) (int32, any) {
	var m ownerMsg
	if err := m.unmarshal(msg.Payload); err != nil || !m.Owner.Valid() {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		if d.ring().home(m.Name) != d.self {
			return statusOK, nil
		}
		res = d.resource(m.Name)
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.owner == d.self && m.Owner != d.self {
		d.logger.Warn("ignoring foreign mastery assertion", "resource", m.Name, "peer", msg.From, "owner", m.Owner)
		return statusOK, nil
	}
	res.owner = m.Owner
	res.state &^= resMigrating
	res.notifyLocked()
	return statusOK, nil
}

// handleMigrateRequest marks a resource as changing masters. Operations
// wait until the new master asserts itself.
func (d *Domain) handleMigrateRequest(msg *transport.Message, _ any) (int32, any) {
	var m ownerMsg
	if err := m.unmarshal(msg.Payload); err != nil {
		return statusBadMessage, nil
	}
	res, ok := d.resources.Get(m.Name)
	if !ok {
		if d.ring().home(m.Name) != d.self {
			return statusOK, nil
		}
		res = d.resource(m.Name)
	}
	res.mu.Lock()
	res.owner = cluster.NodeUnknown
	res.state |= resMigrating
	res.notifyLocked()
	res.mu.Unlock()
	return statusOK, nil
}

// migrate hands res over to target: members are told the owner is in
// transition, the full snapshot goes to target, then target is asserted
// as the new master.
func (d *Domain) migrate(ctx context.Context, res *Resource, target cluster.NodeID) error {
	res.mu.Lock()
	if res.owner != d.self {
		res.mu.Unlock()
		return nil
	}
	res.state |= resMigrating
	snap := migrationSnapshotLocked(res)
	res.notifyLocked()
	res.mu.Unlock()

	req := ownerMsg{Name: res.name, Owner: target}
	if err := d.broadcast(ctx, msgMigrateRequest, req.marshal(), target); err != nil {
		d.abortMigration(ctx, res)
		return err
	}
	for _, frag := range snap.fragment(d.nextCookie(), d.cfg.MaxSnapshotLocks) {
		if err := d.sendReliably(ctx, msgMigLockres, frag.marshal(), target); err != nil {
			d.abortMigration(ctx, res)
			return err
		}
		if !d.isMember(target) {
			d.abortMigration(ctx, res)
			return fmt.Errorf("migration target %s left", target)
		}
	}

	res.mu.Lock()
	res.owner = target
	res.state &^= resMigrating
	res.granted, res.converting, res.blocked = nil, nil, nil
	res.refmap = cluster.NodeMap{}
	res.notifyLocked()
	res.mu.Unlock()

	assert := ownerMsg{Name: res.name, Owner: target}
	if err := d.broadcast(ctx, msgAssertMaster, assert.marshal(), target); err != nil {
		d.logger.Warn("assert after migration incomplete", "resource", res.name, "error", err)
	}
	d.metrics.Migrated(d.name, 1)
	d.logger.Info("resource migrated", "resource", res.name, "target", target, "locks", len(snap.Locks))
	return nil
}

func (d *Domain) abortMigration(ctx context.Context, res *Resource) {
	res.mu.Lock()
	res.state &^= resMigrating
	res.notifyLocked()
	res.mu.Unlock()

	assert := ownerMsg{Name: res.name, Owner: d.self}
	if err := d.broadcast(ctx, msgAssertMaster, assert.marshal()); err != nil {
		d.logger.Warn("re-assert after failed migration incomplete", "resource", res.name, "error", err)
	}
}

// mergeMigration installs a migrated snapshot and takes mastery.
func (d *Domain) mergeMigration(s *snapshot) {
	res := d.resource(s.Name)
	res.mu.Lock()
	defer res.mu.Unlock()

	d.adoptOwnLocked(res, s)
	s.mergeLocked(res, d.self)
	if len(s.LVB) > 0 {
		res.lvb = append(res.lvb[:0], s.LVB...)
	}
	res.owner = d.self
	res.refmap.Set(d.self)
	res.state &^= resMigrating | resRecovering
	d.deliverLocked(res, res.grantPassLocked())
	res.notifyLocked()
	d.logger.Info("took over migrated resource", "resource", s.Name, "locks", len(s.Locks))
}

// adoptOwnLocked lines up this node's locks with the old master's view.
// Locks the old master no longer has were unlocked or never reached it;
// the rest take the recorded queue and modes. In-flight requests keep
// their pending state and finish when the old master's reply arrives.
func (d *Domain) adoptOwnLocked(res *Resource, s *snapshot) {
	recs := make(map[uint64]lockRecord, len(s.Locks))
	for _, rec := range s.Locks {
		if rec.Node == d.self && rec.Queue != queuePlaceholder {
			recs[rec.Cookie] = rec
		}
	}
	var stale, moved []*Lock
	res.eachLocked(func(lk *Lock) {
		if lk.node != d.self {
			return
		}
		rec, ok := recs[lk.cookie]
		if !ok {
			stale = append(stale, lk)
			return
		}
		lk.mode, lk.req = rec.Mode, rec.Req
		if lk.queue != rec.Queue {
			moved = append(moved, lk)
		}
	})
	for _, lk := range moved {
		res.moveLocked(lk, recs[lk.cookie].Queue)
	}
	for _, lk := range stale {
		if lk.pending == pendingCreate {
			lk.dropped = true
		}
		res.removeLocked(lk)
		lk.signal()
	}
}
