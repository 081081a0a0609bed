package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/metric"
)

// Config configures a Manager.
type Config struct {
	// Registry is the node table; its self entry's address is listened on
	// unless Listener is set.
	Registry *cluster.Registry

	// Heartbeat drives connect and teardown decisions.
	Heartbeat cluster.Heartbeat

	// Fencer receives idle suspicions. Defaults to a LogFencer.
	Fencer cluster.Fencer

	// Listener is an optional pre-bound listener.
	Listener net.Listener

	// Timing must match on every node. A zero HeartbeatTimeout is taken
	// from Heartbeat.Timeout().
	Timing Timing

	// ReconnectDelay is the minimum spacing between connect attempts to
	// the same peer.
	ReconnectDelay time.Duration

	// Workers sizes the pool running connects, accepts and timers.
	Workers int

	Metrics *metric.Transport
	Logger  *slog.Logger
}

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultWorkers        = 4
)

// Manager owns the connections to every peer.
type Manager struct {
	reg     *cluster.Registry
	hb      cluster.Heartbeat
	fencer  cluster.Fencer
	metrics *metric.Transport
	logger  *slog.Logger

	self           cluster.NodeID
	timing         Timing
	reconnectDelay time.Duration
	local          handshake

	handlers *HandlerRegistry
	peers    [cluster.MaxNodes]*peerSlot

	ln          net.Listener
	queue       *workQueue
	unsubscribe func()
	wg          sync.WaitGroup

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	connectLog rate.Sometimes
	acceptLog  rate.Sometimes
}

// New creates a Manager. Call Start to begin listening and connecting.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("transport: registry is required")
	}
	if cfg.Heartbeat == nil {
		return nil, errors.New("transport: heartbeat is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fencer == nil {
		cfg.Fencer = cluster.NewLogFencer(cfg.Logger)
	}

	def := DefaultTiming()
	if cfg.Timing.IdleTimeout <= 0 {
		cfg.Timing.IdleTimeout = def.IdleTimeout
	}
	if cfg.Timing.KeepaliveDelay <= 0 {
		cfg.Timing.KeepaliveDelay = def.KeepaliveDelay
	}
	if cfg.Timing.HeartbeatTimeout <= 0 {
		cfg.Timing.HeartbeatTimeout = cfg.Heartbeat.Timeout()
	}
	if cfg.Timing.KeepaliveDelay >= cfg.Timing.IdleTimeout {
		return nil, fmt.Errorf("transport: keepalive delay %v must be below idle timeout %v",
			cfg.Timing.KeepaliveDelay, cfg.Timing.IdleTimeout)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	self := cfg.Registry.SelfID()
	m := &Manager{
		reg:            cfg.Registry,
		hb:             cfg.Heartbeat,
		fencer:         cfg.Fencer,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("component", "transport"),
		self:           self,
		timing:         cfg.Timing,
		reconnectDelay: cfg.ReconnectDelay,
		local:          newHandshake(uint32(self), cfg.Timing),
		handlers:       NewHandlerRegistry(),
		ln:             cfg.Listener,
		queue:          newWorkQueue(cfg.Workers),
		stopCh:         make(chan struct{}),
		connectLog:     rate.Sometimes{Interval: 5 * time.Second},
		acceptLog:      rate.Sometimes{Interval: 5 * time.Second},
	}
	for i := range m.peers {
		m.peers[i] = newPeerSlot(cluster.NodeID(i))
	}
	return m, nil
}

// Start listens for peers, subscribes to heartbeat events and starts
// connecting to live nodes.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("transport: already started")
	}
	if m.ln == nil {
		ln, err := net.Listen("tcp", m.reg.Self().Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.reg.Self().Addr, err)
		}
		m.ln = ln
	}
	m.logger.Info("transport listening", "addr", m.ln.Addr().String())

	m.unsubscribe = m.hb.Subscribe(cluster.ListenerFuncs{Up: m.nodeUp, Down: m.nodeDown})

	m.wg.Add(1)
	go m.acceptLoop()

	m.hb.LiveNodes().Each(func(id cluster.NodeID) {
		if id != m.self {
			m.nodeUp(id)
		}
	})
	return nil
}

// Stop tears down every connection, failing pending sends, and waits for
// background work to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		if m.ln != nil {
			m.ln.Close()
		}
		for _, s := range m.peers {
			m.disconnect(s, ErrStopped)
		}
		m.queue.stop()
		m.wg.Wait()
		m.logger.Info("transport stopped")
	})
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// Self returns the local node id.
func (m *Manager) Self() cluster.NodeID {
	return m.self
}

// Addr returns the listen address. Valid after Start.
func (m *Manager) Addr() net.Addr {
	return m.ln.Addr()
}

// Timing returns the negotiated timing parameters.
func (m *Manager) Timing() Timing {
	return m.timing
}

// RegisterHandler adds a handler; see HandlerRegistry.Register.
func (m *Manager) RegisterHandler(spec HandlerSpec, list *RegistrationList) error {
	return m.handlers.Register(spec, list)
}

// UnregisterHandlers removes the handlers recorded on list.
func (m *Manager) UnregisterHandlers(list *RegistrationList) {
	m.handlers.Unregister(list)
}

// ConnectedNodes returns the peers with a valid connection.
func (m *Manager) ConnectedNodes() cluster.NodeMap {
	var nm cluster.NodeMap
	for _, n := range m.reg.Nodes() {
		s := m.peers[n.ID]
		s.mu.Lock()
		if s.valid {
			nm.Set(n.ID)
		}
		s.mu.Unlock()
	}
	return nm
}

// PeerState returns the connection state for id.
func (m *Manager) PeerState(id cluster.NodeID) ConnState {
	if !id.Valid() {
		return StateDisconnected
	}
	return m.peers[id].state()
}

// Peers returns diagnostics for every configured peer.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	for _, n := range m.reg.Nodes() {
		if n.ID == m.self {
			continue
		}
		out = append(out, m.peers[n.ID].info())
	}
	return out
}

// Send delivers payload to target's handler for (msgType, key) and waits
// for its status. Transport failures are returned as errors; the int32 is
// the handler's status.
func (m *Manager) Send(ctx context.Context, msgType uint16, key uint32, payload []byte, target cluster.NodeID) (int32, error) {
	start := time.Now()
	status, err := m.send(ctx, msgType, key, payload, target)
	if err != nil {
		m.metrics.SendFailed(errorReason(err))
		return 0, err
	}
	m.metrics.ObserveSend(time.Since(start))
	return status, nil
}

func (m *Manager) send(ctx context.Context, msgType uint16, key uint32, payload []byte, target cluster.NodeID) (int32, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrMsgTooLarge, len(payload), MaxPayload)
	}
	if target == m.self {
		return 0, ErrLoopback
	}
	if _, ok := m.reg.Lookup(target); !ok || !target.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	if m.isStopped() {
		return 0, ErrStopped
	}

	s := m.peers[target]
	c, w, err := s.waitReady(ctx, m.stopCh)
	if err != nil {
		return 0, err
	}
	defer c.put()

	h := header{Magic: magicData, MsgType: msgType, Key: key, MsgID: w.id}
	if err := c.write(&h, payload); err != nil {
		s.dropWait(w.id)
		return 0, err
	}
	m.metrics.Sent()

	select {
	case <-w.done:
		return w.result()
	case <-ctx.Done():
		s.dropWait(w.id)
		return 0, ctx.Err()
	}
}

// dispatch runs the handler for a data message and replies with its
// status. Runs on the connection's reader goroutine.
func (m *Manager) dispatch(c *conn, h *header, data []byte) {
	m.metrics.Received()

	msg := &Message{From: c.peer, Type: h.MsgType, Key: h.Key, Payload: data}
	res := m.handlers.dispatch(msg)
	if res.sys != SysOK {
		m.logger.Debug("rejecting message",
			"peer", c.peer,
			"type", h.MsgType,
			"key", h.Key,
			"len", h.DataLen,
			"sys_status", res.sys)
	}

	reply := header{
		Magic:     magicStatus,
		MsgType:   h.MsgType,
		Key:       h.Key,
		MsgID:     h.MsgID,
		SysStatus: uint32(res.sys),
		Status:    res.status,
	}
	c.write(&reply, nil)

	if res.run != nil {
		res.run()
	}
}

func (m *Manager) completeStatus(peer cluster.NodeID, h *header) {
	s := m.peers[peer]
	s.mu.Lock()
	w := s.waits.remove(h.MsgID)
	s.mu.Unlock()

	if w == nil {
		m.logger.Debug("status for unknown message id", "peer", peer, "msg_id", h.MsgID)
		return
	}
	w.complete(SysStatus(h.SysStatus), h.Status, nil)
}

// setStateLocked installs sc as the slot's connection and records its
// validity and standing error. Losing validity fails every pending send
// and schedules a reconnect plus the connect deadline. The replaced
// connection, if any, is returned with the slot's reference; the caller
// shuts it down and puts it after unlocking.
func (m *Manager) setStateLocked(s *peerSlot, sc *conn, valid bool, err error) *conn {
	wasValid := s.valid
	var old *conn
	if s.sc != sc {
		old = s.sc
		s.sc = sc
	}
	s.valid = valid
	s.persistentErr = err

	if wasValid && !valid {
		m.metrics.ConnDown()
		n := s.waits.completeAll(ErrPeerDied)
		m.logger.Warn("no longer connected to peer", "peer", s.id, "failed_sends", n, "error", err)
	}
	if !wasValid && valid {
		m.metrics.ConnUp()
		if s.expireTimer != nil && s.expireTimer.Stop() {
			s.expireTimer = nil
		}
		m.logger.Info("connected to peer", "peer", s.id, "initiator", sc.initiator)
	}
	s.notifyLocked()

	if !valid && !m.isStopped() {
		delay := time.Until(s.lastAttempt.Add(m.reconnectDelay))
		if delay < 0 || delay > m.reconnectDelay {
			delay = 0
		}
		if s.connectTimer == nil {
			s.connectTimer = time.AfterFunc(delay, func() {
				m.queue.submit(func() { m.startConnect(s) })
			})
		}
		if s.expireTimer == nil {
			s.expireTimer = time.AfterFunc(delay+m.timing.IdleTimeout, func() {
				m.queue.submit(func() { m.connectExpired(s) })
			})
		}
	}
	return old
}

// detach removes c from its slot when c is still the slot's connection.
// Handshake mismatches and node-down errors become the slot's standing
// error; anything else leaves it as it was so the peer is retried.
func (m *Manager) detach(c *conn, err error) {
	s := m.peers[c.peer]
	s.mu.Lock()
	if s.sc != c {
		s.mu.Unlock()
		return
	}
	perr := s.persistentErr
	if isPersistent(err) {
		perr = err
	}
	m.setStateLocked(s, nil, false, perr)
	s.mu.Unlock()

	c.put()
}

func isPersistent(err error) bool {
	return errors.Is(err, ErrProtocolMismatch) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrStopped)
}

// disconnect drops the slot's connection and stops reconnecting.
func (m *Manager) disconnect(s *peerSlot, err error) {
	s.mu.Lock()
	old := m.setStateLocked(s, nil, false, err)
	s.stopTimersLocked()
	s.mu.Unlock()

	if old != nil {
		old.shutdown(err)
		old.put()
	}
}

func (m *Manager) nodeUp(id cluster.NodeID) {
	if id == m.self || !id.Valid() {
		return
	}
	if _, ok := m.reg.Lookup(id); !ok {
		return
	}

	s := m.peers[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	// Connect right away regardless of the last attempt.
	s.lastAttempt = time.Now().Add(-m.reconnectDelay - time.Millisecond)
	if s.valid {
		return
	}
	m.setStateLocked(s, s.sc, false, nil)
}

func (m *Manager) nodeDown(id cluster.NodeID) {
	if id == m.self || !id.Valid() {
		return
	}
	m.logger.Info("peer heartbeat down, disconnecting", "peer", id)
	m.disconnect(m.peers[id], ErrNotConnected)
}
