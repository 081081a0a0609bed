package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// acceptLoop hands every accepted socket to the work queue.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if m.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.acceptLog.Do(func() {
				m.logger.Warn("accept failed", "error", err)
			})
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !m.queue.submit(func() { m.acceptOne(nc) }) {
			nc.Close()
			return
		}
	}
}

// acceptOne reads the connector's handshake and admits it only if it is a
// known, heartbeating node with a larger id and no connection in place.
func (m *Manager) acceptOne(nc net.Conn) {
	if m.isStopped() {
		nc.Close()
		return
	}

	nc.SetReadDeadline(time.Now().Add(m.timing.IdleTimeout))
	remote, err := m.readHandshake(nc)
	if err != nil {
		m.logger.Debug("dropping accepted socket without handshake", "remote", nc.RemoteAddr().String(), "error", err)
		nc.Close()
		return
	}

	reject := func(reason, msg string, id uint32) {
		m.metrics.HandshakeFailed(reason)
		m.acceptLog.Do(func() {
			m.logger.Info(msg, "peer", id, "remote", nc.RemoteAddr().String())
		})
		nc.Close()
	}

	if remote.Connector >= uint32(cluster.NodeUnknown) {
		reject("unknown_node", "connect attempt from invalid node id", remote.Connector)
		return
	}
	id := cluster.NodeID(remote.Connector)
	node, ok := m.reg.Lookup(id)
	if !ok {
		reject("unknown_node", "connect attempt from unknown node", remote.Connector)
		return
	}
	if !m.fromRegisteredHost(node, nc.RemoteAddr()) {
		reject("addr_mismatch", "connect attempt from an address not registered for the node", remote.Connector)
		return
	}
	if id <= m.self {
		reject("lower_id", "unexpected connect attempt from node with lower id", remote.Connector)
		return
	}
	if !m.hb.IsAlive(id) {
		reject("not_heartbeating", "connect attempt from node that is not heartbeating", remote.Connector)
		return
	}

	s := m.peers[id]
	s.mu.Lock()
	if s.sc != nil {
		s.mu.Unlock()
		reject("already_connected", "connect attempt from node that already has a connection", remote.Connector)
		return
	}
	if _, err := m.reg.Pin(id); err != nil {
		s.mu.Unlock()
		reject("unknown_node", "connect attempt from unknown node", remote.Connector)
		return
	}
	c := newConn(m, id, false)
	c.setNetConn(nc)
	c.state.Store(int32(StateHandshaking))
	m.setStateLocked(s, c, false, nil)
	c.get()
	s.mu.Unlock()
	defer c.put()

	if err := c.writeRaw(m.local.marshal()); err != nil {
		c.shutdown(err)
		return
	}
	if err := m.local.compatible(remote); err != nil {
		m.rejectHandshake(c, remote, err)
		return
	}

	m.establish(c)
}

// fromRegisteredHost reports whether remote is an address of node's
// registered host. Loopback peers match loopback registrations, and an
// unspecified registered host matches anything.
func (m *Manager) fromRegisteredHost(node cluster.Node, remote net.Addr) bool {
	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return false
	}
	peer := ap.Addr().Unmap()

	host, _, err := net.SplitHostPort(node.Addr)
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return hostMatches(ip.Unmap(), peer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timing.IdleTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		m.logger.Debug("resolving registered host failed", "node", node.ID, "host", host, "error", err)
		return false
	}
	for _, ip := range ips {
		if hostMatches(ip.Unmap(), peer) {
			return true
		}
	}
	return false
}

func hostMatches(registered, peer netip.Addr) bool {
	switch {
	case registered.IsUnspecified():
		return true
	case registered.IsLoopback() && peer.IsLoopback():
		return true
	}
	return registered == peer
}
