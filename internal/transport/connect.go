package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// startConnect dials the peer when this node is the designated initiator
// and nothing else is in progress. Runs on the work queue.
func (m *Manager) startConnect(s *peerSlot) {
	s.mu.Lock()
	s.connectTimer = nil
	if m.isStopped() ||
		m.self <= s.id ||
		!m.hb.IsAlive(s.id) ||
		s.sc != nil ||
		s.valid ||
		errors.Is(s.persistentErr, ErrProtocolMismatch) {
		s.mu.Unlock()
		return
	}

	node, err := m.reg.Pin(s.id)
	if err != nil {
		s.mu.Unlock()
		m.logger.Warn("cannot connect to peer", "peer", s.id, "error", err)
		return
	}
	s.lastAttempt = time.Now()
	s.attempts++

	c := newConn(m, s.id, true)
	m.setStateLocked(s, c, false, s.persistentErr)
	c.get()
	s.mu.Unlock()
	defer c.put()

	dialer := net.Dialer{Timeout: m.timing.IdleTimeout}
	nc, err := dialer.Dial("tcp", node.Addr)
	if err != nil {
		m.connectLog.Do(func() {
			m.logger.Warn("connect to peer failed", "peer", s.id, "addr", node.Addr, "error", err)
		})
		c.shutdown(err)
		return
	}
	if !c.setNetConn(nc) {
		return
	}
	c.state.Store(int32(StateHandshaking))

	if err := c.writeRaw(m.local.marshal()); err != nil {
		c.shutdown(err)
		return
	}
	if !c.setReadDeadline(time.Now().Add(m.timing.IdleTimeout)) {
		return
	}
	remote, err := m.readHandshake(nc)
	if err != nil {
		m.connectLog.Do(func() {
			m.logger.Warn("no handshake from peer", "peer", s.id, "error", err)
		})
		c.shutdown(err)
		return
	}
	if got := remote.Connector; got != uint32(s.id) {
		m.metrics.HandshakeFailed("wrong_node")
		m.logger.Error("peer answered with unexpected node id", "peer", s.id, "answered_as", got)
		c.shutdown(fmt.Errorf("%w: handshake from node %d, dialed %d", ErrFraming, got, s.id))
		return
	}
	if err := m.local.compatible(remote); err != nil {
		m.rejectHandshake(c, remote, err)
		return
	}

	m.establish(c)
}

// connectExpired fires when no valid connection formed within the
// reconnect delay plus idle timeout. Blocked senders are released with
// ErrNotConnected; connect attempts continue.
func (m *Manager) connectExpired(s *peerSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireTimer = nil
	if s.valid || m.isStopped() {
		return
	}
	m.logger.Warn("no connection established with peer",
		"peer", s.id,
		"after", m.reconnectDelay+m.timing.IdleTimeout)
	if s.persistentErr == nil {
		s.persistentErr = ErrNotConnected
		s.notifyLocked()
	}
}

// readHandshake reads the peer's record. The caller sets the deadline.
func (m *Manager) readHandshake(nc net.Conn) (handshake, error) {
	var hs handshake
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return hs, fmt.Errorf("read handshake: %w", err)
	}
	hs.unmarshal(buf)
	return hs, nil
}

func (m *Manager) rejectHandshake(c *conn, remote handshake, err error) {
	m.metrics.HandshakeFailed(m.local.mismatchReason(remote))
	m.logger.Error("incompatible peer, not reconnecting until its next heartbeat up",
		"peer", c.peer,
		"error", err)
	c.shutdown(err)
}

// establish marks a handshaken connection valid and starts its reader and
// timers.
func (m *Manager) establish(c *conn) {
	if !c.clearDeadline() {
		return
	}

	s := m.peers[c.peer]
	s.mu.Lock()
	if s.sc != c || c.shutting.Load() || m.isStopped() {
		s.mu.Unlock()
		c.shutdown(ErrNotConnected)
		return
	}
	c.state.Store(int32(StateConnected))
	m.setStateLocked(s, c, true, nil)
	s.mu.Unlock()

	c.received()

	c.get()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
}
