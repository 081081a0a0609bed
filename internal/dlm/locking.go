package dlm

import (
	"context"
	"errors"
	"fmt"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// errRetry restarts an operation from the barrier and master lookup.
var errRetry = errors.New("dlm: retry")

// errLockLost means the lock vanished while waiting for a grant.
var errLockLost = errors.New("dlm: lock lost")

// Lock requests name in mode and waits until it is granted. With
// FlagNoQueue it fails with ErrNotQueued instead of waiting. If ctx ends
// while waiting, the request is withdrawn.
func (d *Domain) Lock(ctx context.Context, name string, mode Mode, flags Flags) (*LockHandle, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("lock %q: %w", name, ErrInvalidMode)
	}
	for {
		if !d.joined.Load() || (d.leaving.Load() && flags&FlagRecovery == 0) {
			return nil, ErrNotJoined
		}
		h, err := d.lockOnce(ctx, name, mode, flags)
		if !errors.Is(err, errRetry) {
			return h, err
		}
		if err := d.pause(ctx); err != nil {
			return nil, err
		}
	}
}

func (d *Domain) lockOnce(ctx context.Context, name string, mode Mode, flags Flags) (*LockHandle, error) {
	res, owner, err := d.resolveOwner(ctx, name, flags)
	if err != nil {
		return nil, err
	}
	if owner == d.self {
		return d.lockLocal(ctx, res, mode, flags)
	}
	return d.lockRemote(ctx, res, owner, mode, flags)
}

// barrierLocked reports whether operations on res must wait for recovery
// or migration to finish.
func (d *Domain) barrierLocked(res *Resource) bool {
	if res.state&(resRecovering|resMigrating) != 0 {
		return true
	}
	switch res.owner {
	case d.self:
		return false
	case cluster.NodeUnknown:
		return d.recovering.Load()
	default:
		return !d.isMember(res.owner)
	}
}

func (d *Domain) waitBarrier(ctx context.Context, res *Resource, flags Flags) error {
	if flags&FlagRecovery != 0 {
		return nil
	}
	for {
		dch := d.changedCh()
		res.mu.Lock()
		blocked := d.barrierLocked(res)
		rch := res.changed
		res.mu.Unlock()
		if !blocked {
			return nil
		}
		select {
		case <-rch:
		case <-dch:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return ErrNotJoined
		}
	}
}

func (d *Domain) resource(name string) *Resource {
	res, _ := d.resources.GetOrSet(name, func() *Resource {
		return newResource(name, cluster.NodeUnknown)
	})
	return res
}

// resolveOwner passes the barrier and makes sure the resource's master
// is known.
func (d *Domain) resolveOwner(ctx context.Context, name string, flags Flags) (*Resource, cluster.NodeID, error) {
	res := d.resource(name)
	if err := d.waitBarrier(ctx, res, flags); err != nil {
		return nil, 0, err
	}
	res.mu.Lock()
	owner := res.owner
	res.mu.Unlock()
	if owner != cluster.NodeUnknown {
		return res, owner, nil
	}

	_, err, _ := d.lookups.Do(name, func() (any, error) {
		return nil, d.discoverOwner(ctx, res)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		d.logger.Debug("master lookup failed", "resource", name, "error", err)
		return nil, 0, errRetry
	}
	res.mu.Lock()
	owner = res.owner
	res.mu.Unlock()
	if owner == cluster.NodeUnknown {
		return nil, 0, errRetry
	}
	return res, owner, nil
}

func (d *Domain) newHandle(res *Resource, lk *Lock, flags Flags) *LockHandle {
	return &LockHandle{d: d, res: res, lock: lk, recovery: flags&FlagRecovery != 0}
}

func (d *Domain) lockLocal(ctx context.Context, res *Resource, mode Mode, flags Flags) (*LockHandle, error) {
	res.mu.Lock()
	if res.owner != d.self || (flags&FlagRecovery == 0 && d.barrierLocked(res)) {
		res.mu.Unlock()
		return nil, errRetry
	}
	lk := newLock(d.self, d.nextCookie(), mode, true)
	res.refmap.Set(d.self)
	if res.canGrantNewLocked(mode) {
		lk.grantLocked(mode, res.lvb)
		res.addLocked(lk, queueGranted)
		res.mu.Unlock()
		return d.newHandle(res, lk, flags), nil
	}
	if flags&FlagNoQueue != 0 {
		res.mu.Unlock()
		return nil, ErrNotQueued
	}
	res.addLocked(lk, queueBlocked)
	res.mu.Unlock()

	if err := d.waitGranted(ctx, res, lk, mode); err != nil {
		if errors.Is(err, errLockLost) {
			return nil, errRetry
		}
		d.abandon(res, lk)
		return nil, err
	}
	return d.newHandle(res, lk, flags), nil
}

func (d *Domain) lockRemote(ctx context.Context, res *Resource, owner cluster.NodeID, mode Mode, flags Flags) (*LockHandle, error) {
	lk := newLock(d.self, d.nextCookie(), mode, true)
	res.mu.Lock()
	if res.owner != owner {
		res.mu.Unlock()
		return nil, errRetry
	}
	lk.pending = pendingCreate
	res.addLocked(lk, queueBlocked)
	res.mu.Unlock()

	msg := lockMsg{Name: res.name, Cookie: lk.cookie, Mode: mode, Flags: flags & (FlagNoQueue | FlagRecovery)}
	payload := msg.marshal()
	for {
		st, err := d.send(ctx, msgCreateLock, payload, owner)

		res.mu.Lock()
		if lk.dropped {
			res.mu.Unlock()
			return nil, errRetry
		}
		if err != nil {
			if ctx.Err() != nil {
				res.mu.Unlock()
				d.abandon(res, lk)
				return nil, ctx.Err()
			}
			if d.isMember(owner) {
				res.mu.Unlock()
				if err := d.pause(ctx); err != nil {
					d.abandon(res, lk)
					return nil, err
				}
				continue
			}
			// The master is gone; recovery would drop this request anyway.
			res.removeLocked(lk)
			lk.dropped = true
			if res.name == recoveryLockName && res.owner == owner {
				res.owner = cluster.NodeUnknown
			}
			res.mu.Unlock()
			return nil, errRetry
		}
		if lk.pending == pendingCreate {
			lk.pending = pendingNone
		}
		if st != statusOK {
			res.removeLocked(lk)
			if st == statusNotMaster && res.owner == owner {
				res.owner = cluster.NodeUnknown
			}
			res.mu.Unlock()
			if st == statusNotQueued {
				return nil, ErrNotQueued
			}
			return nil, errRetry
		}
		granted := lk.queue == queueGranted
		res.mu.Unlock()
		if granted {
			return d.newHandle(res, lk, flags), nil
		}
		break
	}

	if err := d.waitGranted(ctx, res, lk, mode); err != nil {
		if errors.Is(err, errLockLost) {
			return nil, errRetry
		}
		d.abandon(res, lk)
		return nil, err
	}
	return d.newHandle(res, lk, flags), nil
}

// waitGranted waits until lk is granted in mode.
func (d *Domain) waitGranted(ctx context.Context, res *Resource, lk *Lock, mode Mode) error {
	for {
		res.mu.Lock()
		done := lk.queue == queueGranted && lk.mode == mode && !lk.gone
		lost := lk.gone || lk.dropped
		res.mu.Unlock()
		if done {
			return nil
		}
		if lost {
			return errLockLost
		}
		select {
		case <-lk.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return ErrNotJoined
		}
	}
}

// abandon withdraws a request whose caller gave up. The master removes
// the lock wherever it is queued.
func (d *Domain) abandon(res *Resource, lk *Lock) {
	res.mu.Lock()
	if lk.gone {
		res.mu.Unlock()
		return
	}
	owner := res.owner
	if owner == d.self {
		res.removeLocked(lk)
		d.deliverLocked(res, res.grantPassLocked())
		res.notifyLocked()
		res.mu.Unlock()
		return
	}
	lk.pending = pendingCancel
	res.mu.Unlock()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
	defer cancel()
	msg := lockMsg{Name: res.name, Cookie: lk.cookie, Flags: flagCancel}
	st, err := d.send(ctx, msgUnlockLock, msg.marshal(), owner)

	res.mu.Lock()
	defer res.mu.Unlock()
	if lk.gone {
		return
	}
	if err != nil && d.isMember(owner) {
		d.logger.Warn("cancel not confirmed by master", "resource", res.name, "reco_master", owner, "error", err)
	} else if err == nil && st != statusOK && st != statusUnknownLock {
		d.logger.Warn("cancel refused by master", "resource", res.name, "error", statusErr(st))
	}
	if err != nil && !d.isMember(owner) {
		// Recovery commits the cancel.
		return
	}
	res.removeLocked(lk)
	lk.pending = pendingNone
}

// Convert changes the mode of a granted lock. Down-conversions always
// succeed; up-conversions wait unless FlagNoQueue is set. If ctx ends
// while waiting, the conversion stays queued at the master and Mode()
// reports the result once it is granted.
func (d *Domain) Convert(ctx context.Context, h *LockHandle, mode Mode, flags Flags) error {
	if !mode.Valid() {
		return fmt.Errorf("convert %q: %w", h.res.name, ErrInvalidMode)
	}
	if h.recovery {
		flags |= FlagRecovery
	}
	for {
		if !d.joined.Load() {
			return ErrNotJoined
		}
		err := d.convertOnce(ctx, h, mode, flags)
		if !errors.Is(err, errRetry) {
			return err
		}
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

func (d *Domain) convertOnce(ctx context.Context, h *LockHandle, mode Mode, flags Flags) error {
	res, lk := h.res, h.lock
	res.mu.Lock()
	gone := lk.gone
	res.mu.Unlock()
	if gone {
		return fmt.Errorf("convert %q: %w", res.name, ErrUnknownLock)
	}
	if _, _, err := d.resolveOwner(ctx, res.name, flags); err != nil {
		return err
	}

	res.mu.Lock()
	switch {
	case lk.gone:
		res.mu.Unlock()
		return fmt.Errorf("convert %q: %w", res.name, ErrUnknownLock)
	case lk.queue != queueGranted || lk.pending != pendingNone:
		res.mu.Unlock()
		return fmt.Errorf("convert %q: conversion in progress: %w", res.name, ErrInvalidMode)
	case lk.mode == mode:
		res.mu.Unlock()
		return nil
	}
	owner := res.owner
	if owner == cluster.NodeUnknown {
		res.mu.Unlock()
		return errRetry
	}
	if owner == d.self {
		return d.convertLocal(ctx, res, lk, mode, flags)
	}

	lk.pending = pendingConvert
	msg := lockMsg{Name: res.name, Cookie: lk.cookie, Mode: mode, Flags: flags & (FlagNoQueue | FlagRecovery)}
	if lk.mode == ModeEX && mode < ModeEX {
		msg.LVB = append([]byte(nil), lk.lvb...)
	}
	res.mu.Unlock()

	payload := msg.marshal()
	for {
		st, err := d.send(ctx, msgConvertLock, payload, owner)

		res.mu.Lock()
		if lk.gone {
			res.mu.Unlock()
			return fmt.Errorf("convert %q: %w", res.name, ErrUnknownLock)
		}
		if lk.pending != pendingConvert {
			// Resolved by a grant that overtook the reply, or reverted by
			// recovery.
			granted := lk.queue == queueGranted && lk.mode == mode
			converting := lk.queue == queueConverting
			res.mu.Unlock()
			switch {
			case granted:
				return nil
			case converting:
				return d.waitConverted(ctx, res, lk, mode)
			}
			return errRetry
		}
		if err != nil {
			if ctx.Err() != nil {
				lk.pending = pendingNone
				res.mu.Unlock()
				return ctx.Err()
			}
			if d.isMember(owner) {
				res.mu.Unlock()
				if err := d.pause(ctx); err != nil {
					return err
				}
				continue
			}
			lk.pending = pendingNone
			lk.req = lk.mode
			res.mu.Unlock()
			return errRetry
		}
		lk.pending = pendingNone
		if st != statusOK {
			lk.req = lk.mode
			if st == statusNotMaster && res.owner == owner {
				res.owner = cluster.NodeUnknown
			}
			res.mu.Unlock()
			if st == statusNotQueued {
				return ErrNotQueued
			}
			return errRetry
		}
		lk.req = mode
		res.moveLocked(lk, queueConverting)
		res.mu.Unlock()
		return d.waitConverted(ctx, res, lk, mode)
	}
}

// convertLocal runs a conversion on a resource this node masters. It is
// called with res.mu held and releases it.
func (d *Domain) convertLocal(ctx context.Context, res *Resource, lk *Lock, mode Mode, flags Flags) error {
	if lk.mode == ModeEX && mode < ModeEX && len(lk.lvb) > 0 {
		res.lvb = append(res.lvb[:0], lk.lvb...)
	}
	if res.canConvertLocked(lk, mode) {
		lk.grantLocked(mode, res.lvb)
		d.deliverLocked(res, res.grantPassLocked())
		res.notifyLocked()
		res.mu.Unlock()
		return nil
	}
	if flags&FlagNoQueue != 0 {
		res.mu.Unlock()
		return ErrNotQueued
	}
	lk.req = mode
	res.moveLocked(lk, queueConverting)
	res.mu.Unlock()
	return d.waitConverted(ctx, res, lk, mode)
}

func (d *Domain) waitConverted(ctx context.Context, res *Resource, lk *Lock, mode Mode) error {
	err := d.waitGranted(ctx, res, lk, mode)
	if errors.Is(err, errLockLost) {
		return fmt.Errorf("convert %q: %w", res.name, ErrUnknownLock)
	}
	return err
}

// Unlock releases the lock. A lock whose master died is released
// locally; recovery never brings it back.
func (d *Domain) Unlock(ctx context.Context, h *LockHandle) error {
	var flags Flags
	if h.recovery {
		flags = FlagRecovery
	}
	for {
		err := d.unlockOnce(ctx, h, flags)
		if !errors.Is(err, errRetry) {
			return err
		}
		if !d.joined.Load() {
			return ErrNotJoined
		}
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

func (d *Domain) unlockOnce(ctx context.Context, h *LockHandle, flags Flags) error {
	res, lk := h.res, h.lock
	res.mu.Lock()
	gone := lk.gone
	res.mu.Unlock()
	if gone {
		return nil
	}
	if _, _, err := d.resolveOwner(ctx, res.name, flags); err != nil {
		return err
	}

	res.mu.Lock()
	if lk.gone {
		res.mu.Unlock()
		return nil
	}
	owner := res.owner
	switch owner {
	case cluster.NodeUnknown:
		res.mu.Unlock()
		return errRetry
	case d.self:
		if lk.mode == ModeEX && len(lk.lvb) > 0 {
			res.lvb = append(res.lvb[:0], lk.lvb...)
		}
		res.removeLocked(lk)
		d.deliverLocked(res, res.grantPassLocked())
		res.notifyLocked()
		res.mu.Unlock()
		return nil
	}

	lk.pending = pendingUnlock
	msg := lockMsg{Name: res.name, Cookie: lk.cookie, Flags: flags & FlagRecovery}
	if lk.mode == ModeEX {
		msg.LVB = append([]byte(nil), lk.lvb...)
	}
	res.mu.Unlock()

	st, err := d.send(ctx, msgUnlockLock, msg.marshal(), owner)

	res.mu.Lock()
	defer res.mu.Unlock()
	if lk.gone {
		return nil
	}
	lk.pending = pendingNone
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.isMember(owner) {
			return errRetry
		}
		res.removeLocked(lk)
		res.notifyLocked()
		return nil
	}
	switch st {
	case statusOK, statusUnknownLock:
		res.removeLocked(lk)
		res.notifyLocked()
		return nil
	case statusNotMaster:
		if res.owner == owner {
			res.owner = cluster.NodeUnknown
		}
	}
	return errRetry
}
