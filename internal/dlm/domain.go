package dlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/metric"
	"github.com/yndnr/lockmesh-go/internal/transport"
	"github.com/yndnr/lockmesh-go/pkg/cmap"
)

// Messenger is the part of the transport a domain needs.
// *transport.Manager implements it.
type Messenger interface {
	Self() cluster.NodeID
	Send(ctx context.Context, msgType uint16, key uint32, payload []byte, target cluster.NodeID) (int32, error)
	RegisterHandler(spec transport.HandlerSpec, list *transport.RegistrationList) error
	UnregisterHandlers(list *transport.RegistrationList)
}

const (
	DefaultRecoveryPoll   = time.Second
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// Config configures a Domain.
type Config struct {
	Name      string
	Transport Messenger
	Heartbeat cluster.Heartbeat

	// RecoveryPoll is how often an idle or losing recovery thread looks
	// for work.
	RecoveryPoll time.Duration

	// RetryDelay spaces retries of refused or failed requests.
	RetryDelay time.Duration

	// RequestTimeout bounds a single request to a peer.
	RequestTimeout time.Duration

	// MaxSnapshotLocks bounds the lock records per snapshot fragment.
	MaxSnapshotLocks int

	// OnFatal is called on unrecoverable protocol violations such as two
	// recovery masters. It defaults to panic.
	OnFatal func(msg string)

	Metrics *metric.Recovery
	Logger  *slog.Logger
}

// testHooks lets tests interfere with recovery.
type testHooks struct {
	// fragmentSent runs after every snapshot fragment a contributor sends;
	// returning false aborts the contribution.
	fragmentSent func(dead, master cluster.NodeID) bool
}

// Domain is one lock namespace shared by the nodes that joined it.
type Domain struct {
	name    string
	key     uint32
	self    cluster.NodeID
	cfg     Config
	net     Messenger
	hb      cluster.Heartbeat
	metrics *metric.Recovery
	logger  *slog.Logger

	resources *cmap.Map[*Resource]
	lookups   singleflight.Group
	reasm     *reassembler
	grants    *grantQueue
	cookieSeq atomic.Uint64
	ringCache atomic.Pointer[ring]

	members    atomic.Pointer[cluster.NodeMap]
	recovering atomic.Bool
	joined     atomic.Bool
	leaving    atomic.Bool

	mu      sync.Mutex
	reco    recoveryState
	changed chan struct{}
	closed  bool

	electionsWon atomic.Uint64
	completed    atomic.Uint64

	regs        transport.RegistrationList
	unsubscribe func()
	recoWake    chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	hooks testHooks
}

// New creates a Domain. It does nothing on the network until Join.
func New(cfg Config) (*Domain, error) {
	if err := checkName(cfg.Name); err != nil {
		return nil, fmt.Errorf("dlm: domain name: %w", err)
	}
	if cfg.Transport == nil {
		return nil, errors.New("dlm: transport is required")
	}
	if cfg.Heartbeat == nil {
		return nil, errors.New("dlm: heartbeat is required")
	}
	if cfg.RecoveryPoll <= 0 {
		cfg.RecoveryPoll = DefaultRecoveryPoll
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxSnapshotLocks <= 0 {
		cfg.MaxSnapshotLocks = DefaultMaxSnapshotLocks
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(msg string) { panic("dlm: " + msg) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	self := cfg.Transport.Self()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Domain{
		name:      cfg.Name,
		key:       DomainKey(cfg.Name),
		self:      self,
		cfg:       cfg,
		net:       cfg.Transport,
		hb:        cfg.Heartbeat,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "dlm", "domain", cfg.Name),
		resources: cmap.New[*Resource](),
		reasm:     newReassembler(),
		changed:   make(chan struct{}),
		recoWake:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
	d.grants = newGrantQueue(d)
	d.reco.reset()
	self1 := cluster.NodeMapOf(self)
	d.members.Store(&self1)
	return d, nil
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Members returns the nodes currently in the domain, self included.
func (d *Domain) Members() cluster.NodeMap { return *d.members.Load() }

func (d *Domain) isMember(id cluster.NodeID) bool {
	return d.members.Load().Test(id)
}

func (d *Domain) setMembersLocked(m cluster.NodeMap) {
	d.members.Store(&m)
	d.notifyLocked()
}

func (d *Domain) addMember(id cluster.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := *d.members.Load()
	if m.Test(id) {
		return
	}
	m.Set(id)
	d.setMembersLocked(m)
	d.logger.Info("node joined domain", "peer", id)
}

// notifyLocked wakes barrier and recovery waiters.
func (d *Domain) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Domain) changedCh() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

func (d *Domain) kick() {
	select {
	case d.recoWake <- struct{}{}:
	default:
	}
}

// spawn runs fn on a tracked goroutine unless the domain is closed.
func (d *Domain) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Domain) nextCookie() uint64 {
	return uint64(d.self)<<56 | d.cookieSeq.Add(1)
}

func (d *Domain) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Error("fatal recovery inconsistency", "error", msg)
	d.cfg.OnFatal(msg)
}

// send issues one request bounded by RequestTimeout.
func (d *Domain) send(ctx context.Context, msgType uint16, payload []byte, target cluster.NodeID) (int32, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	return d.net.Send(ctx, msgType, d.key, payload, target)
}

// peerGone reports whether err means the target cannot take part any more.
func peerGone(err error) bool {
	return errors.Is(err, transport.ErrPeerDied) ||
		errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, transport.ErrNoHandler) ||
		errors.Is(err, transport.ErrStopped) ||
		errors.Is(err, transport.ErrUnknownNode)
}

// sendReliably repeats a request until target acknowledges it with
// statusOK, leaves the domain, or ctx ends.
func (d *Domain) sendReliably(ctx context.Context, msgType uint16, payload []byte, target cluster.NodeID) error {
	for {
		st, err := d.send(ctx, msgType, payload, target)
		switch {
		case err == nil && st == statusOK:
			return nil
		case err == nil && st != statusRetry && st != statusRecovering:
			return fmt.Errorf("message %d to node %s: %w", msgType, target, statusErr(st))
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil && (!d.isMember(target) || errors.Is(err, transport.ErrNoHandler)):
			return nil
		}
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

// broadcast sends payload to every other member concurrently.
func (d *Domain) broadcast(ctx context.Context, msgType uint16, payload []byte, except ...cluster.NodeID) error {
	targets := d.Members().Without(d.self)
	for _, id := range except {
		targets.Clear(id)
	}
	g, gctx := errgroup.WithContext(ctx)
	targets.Each(func(id cluster.NodeID) {
		g.Go(func() error {
			return d.sendReliably(gctx, msgType, payload, id)
		})
	})
	return g.Wait()
}

func (d *Domain) pause(ctx context.Context) error {
	t := time.NewTimer(d.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return ErrNotJoined
	}
}

// Join registers the domain's handlers and announces this node to every
// live node. Nodes running recovery ask the joiner to retry.
func (d *Domain) Join(ctx context.Context) error {
	if !d.joined.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.registerHandlers(); err != nil {
		d.net.UnregisterHandlers(&d.regs)
		d.joined.Store(false)
		return err
	}
	d.unsubscribe = d.hb.Subscribe(cluster.ListenerFuncs{Down: d.nodeDown})
	d.spawn(d.recoveryLoop)
	d.spawn(d.grants.run)

	if err := d.announceJoin(ctx); err != nil {
		d.Close()
		return fmt.Errorf("join domain %s: %w", d.name, err)
	}
	d.logger.Info("joined domain", "members", d.Members().String())
	return nil
}

func (d *Domain) announceJoin(ctx context.Context) error {
	for {
		var (
			mu    sync.Mutex
			retry bool
		)
		g, gctx := errgroup.WithContext(ctx)
		d.hb.LiveNodes().Without(d.self).Each(func(id cluster.NodeID) {
			g.Go(func() error {
				st, err := d.send(gctx, msgJoinDomain, nil, id)
				switch {
				case err != nil && peerGone(err):
					return nil
				case err != nil:
					return fmt.Errorf("node %s: %w", id, err)
				case st == joinYes:
					d.addMember(id)
				case st == statusRetry:
					mu.Lock()
					retry = true
					mu.Unlock()
				}
				return nil
			})
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if !retry {
			return nil
		}
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

func (d *Domain) registerHandlers() error {
	handlers := []struct {
		typ uint16
		fn  transport.HandlerFunc
	}{
		{msgMasterRequest, d.handleMasterRequest},
		{msgAssertMaster, d.handleAssertMaster},
		{msgCreateLock, d.handleCreateLock},
		{msgConvertLock, d.handleConvertLock},
		{msgUnlockLock, d.handleUnlockLock},
		{msgProxyGrant, d.handleProxyGrant},
		{msgMigrateRequest, d.handleMigrateRequest},
		{msgMigLockres, d.handleMigLockres},
		{msgMasterRequery, d.handleMasterRequery},
		{msgLockRequest, d.handleLockRequest},
		{msgRecoDataDone, d.handleDataDone},
		{msgBeginReco, d.handleBeginReco},
		{msgFinalizeReco, d.handleFinalizeReco},
		{msgJoinDomain, d.handleJoin},
		{msgExitDomain, d.handleExit},
	}
	for _, h := range handlers {
		spec := transport.HandlerSpec{Type: h.typ, Key: d.key, MaxLen: transport.MaxPayload, Func: h.fn}
		if err := d.net.RegisterHandler(spec, &d.regs); err != nil {
			return fmt.Errorf("dlm: register domain %s: %w", d.name, err)
		}
	}
	return nil
}

func (d *Domain) handleJoin(msg *transport.Message, _ any) (int32, any) {
	if !d.joined.Load() || d.leaving.Load() {
		return joinNo, nil
	}
	if d.recovering.Load() {
		return statusRetry, nil
	}
	d.addMember(msg.From)
	return joinYes, nil
}

// handleExit processes a clean departure. The leaver migrated everything
// it mastered, so no recovery runs.
func (d *Domain) handleExit(msg *transport.Message, _ any) (int32, any) {
	from := msg.From
	d.mu.Lock()
	m := *d.members.Load()
	if !m.Test(from) {
		d.mu.Unlock()
		return statusOK, nil
	}
	m.Clear(from)
	d.setMembersLocked(m)
	d.mu.Unlock()

	for _, res := range d.resources.Values() {
		res.mu.Lock()
		switch {
		case res.owner == d.self:
			if res.dropNodeLocked(from) > 0 {
				d.deliverLocked(res, res.grantPassLocked())
			}
		case res.owner == from:
			res.owner = cluster.NodeUnknown
		}
		res.notifyLocked()
		res.mu.Unlock()
	}
	d.logger.Info("node left domain", "peer", from)
	return statusOK, nil
}

// Leave migrates every resource this node masters to another member,
// announces the exit and closes the domain. It fails with ErrBusy while
// this node holds or waits for locks.
func (d *Domain) Leave(ctx context.Context) error {
	if !d.joined.Load() {
		return ErrNotJoined
	}
	for _, res := range d.resources.Values() {
		res.mu.Lock()
		held := false
		res.eachLocked(func(lk *Lock) { held = held || lk.node == d.self })
		res.mu.Unlock()
		if held && res.name != recoveryLockName {
			return fmt.Errorf("leave domain %s: resource %q: %w", d.name, res.name, ErrBusy)
		}
	}
	d.leaving.Store(true)

	if err := d.WaitRecovered(ctx); err != nil {
		d.leaving.Store(false)
		return err
	}
	migrated := 0
	for _, res := range d.resources.Values() {
		res.mu.Lock()
		mine := res.owner == d.self && res.name != recoveryLockName
		res.mu.Unlock()
		if !mine {
			continue
		}
		target := newRing(d.Members().Without(d.self)).home(res.name)
		if target == cluster.NodeUnknown {
			break
		}
		if err := d.migrate(ctx, res, target); err != nil {
			d.logger.Warn("migration failed", "resource", res.name, "target", target, "error", err)
			continue
		}
		migrated++
	}
	if err := d.broadcast(ctx, msgExitDomain, nil); err != nil {
		d.logger.Warn("exit broadcast incomplete", "error", err)
	}
	d.logger.Info("left domain", "migrated", migrated)
	d.Close()
	return nil
}

// Close stops the domain without telling anyone. Peers see it as a
// failure once the heartbeat reports the node down. Close must not be
// called from a message handler.
func (d *Domain) Close() {
	d.stopOnce.Do(func() {
		d.joined.Store(false)
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		d.net.UnregisterHandlers(&d.regs)

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.stopCh)
		d.cancel()
		d.wg.Wait()
	})
}

// nodeDown handles a heartbeat death: the node leaves the domain map,
// queues for recovery, and its state is cleaned out of local resources.
func (d *Domain) nodeDown(dead cluster.NodeID) {
	if !d.joined.Load() {
		return
	}
	d.mu.Lock()
	m := *d.members.Load()
	if !m.Test(dead) {
		d.mu.Unlock()
		return
	}
	m.Clear(dead)
	d.reco.recoveryMap.Set(dead)
	if d.reco.newMaster == dead {
		d.logger.Warn("recovery master died, restarting election", "reco_master", dead, "dead_node", d.reco.deadNode)
		d.reco.newMaster = cluster.NodeUnknown
		d.reco.finalizing = false
		d.reco.roster = nil
		d.reco.phase = PhaseElecting
	}
	if st, ok := d.reco.roster[dead]; ok && st != RosterDone {
		d.reco.roster[dead] = RosterDead
	}
	d.recovering.Store(true)
	d.setMembersLocked(m)
	d.mu.Unlock()

	if n := d.reasm.drop(dead); n > 0 {
		d.logger.Debug("discarded partial snapshots", "dead_node", dead, "count", n)
	}
	d.cleanupDeadNode(dead)
	d.logger.Warn("node down, recovery queued", "dead_node", dead)
	d.kick()
}

// cleanupDeadNode removes the dead node's locks from resources this node
// masters and fences resources the dead node mastered.
func (d *Domain) cleanupDeadNode(dead cluster.NodeID) {
	for _, res := range d.resources.Values() {
		res.mu.Lock()
		switch {
		case res.name == recoveryLockName:
			res.dropNodeLocked(dead)
			if res.owner == dead {
				// The election lock is re-mastered on demand.
				res.eachLocked(func(lk *Lock) {
					lk.gone = true
					lk.signal()
				})
				res.granted, res.converting, res.blocked = nil, nil, nil
				res.refmap = cluster.NodeMap{}
				res.owner = cluster.NodeUnknown
			} else if res.owner == d.self {
				d.deliverLocked(res, res.grantPassLocked())
			}
		case res.owner == d.self:
			if res.dropNodeLocked(dead) > 0 {
				d.deliverLocked(res, res.grantPassLocked())
			}
		case res.owner == dead:
			res.state |= resRecovering
		}
		res.notifyLocked()
		res.mu.Unlock()
	}
}

// Resource returns a copy of the named resource's state.
func (d *Domain) Resource(name string) (ResourceInfo, bool) {
	res, ok := d.resources.Get(name)
	if !ok {
		return ResourceInfo{}, false
	}
	return res.info(), true
}

// WaitRecovered blocks until no recovery is pending or running.
func (d *Domain) WaitRecovered(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := d.reco.recoveryMap.Empty() && d.reco.phase == PhaseIdle
		ch := d.changed
		d.mu.Unlock()
		if idle {
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
