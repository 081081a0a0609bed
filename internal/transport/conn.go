package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// ConnState is the lifecycle state of a peer connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "invalid"
	}
}

// conn is one TCP link to a peer. It is reference counted: the peer slot
// holds one reference, and so does every goroutine, timer or send using
// it. The final put closes the socket and unpins the node record.
type conn struct {
	m         *Manager
	peer      cluster.NodeID
	initiator bool

	refs   atomic.Int32
	state  atomic.Int32
	closed chan struct{}

	mu       sync.Mutex
	nc       net.Conn
	shutOnce sync.Once
	shutting atomic.Bool

	sendMu sync.Mutex

	idle      *connTimer
	keepalive *connTimer
	suspected atomic.Bool
}

func newConn(m *Manager, peer cluster.NodeID, initiator bool) *conn {
	c := &conn{
		m:         m,
		peer:      peer,
		initiator: initiator,
		closed:    make(chan struct{}),
	}
	c.refs.Store(1)
	c.state.Store(int32(StateConnecting))
	c.idle = &connTimer{c: c, fn: c.idleExpired}
	c.keepalive = &connTimer{c: c, fn: c.sendKeepalive}
	return c
}

func (c *conn) get() *conn {
	if c.refs.Add(1) <= 1 {
		panic("transport: get on released connection")
	}
	return c
}

func (c *conn) put() {
	n := c.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("transport: connection reference underflow")
	}

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	c.state.Store(int32(StateDisconnected))
	c.m.reg.Unpin(c.peer)
	close(c.closed)
}

// Closed is closed once the socket has been released.
func (c *conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *conn) State() ConnState {
	return ConnState(c.state.Load())
}

// setNetConn attaches the socket. It reports false if the connection was
// shut down in the meantime; the socket is still released by the last put.
func (c *conn) setNetConn(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nc = nc
	if c.shutting.Load() {
		nc.SetDeadline(time.Now())
		return false
	}
	return true
}

func (c *conn) netConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// shutdown tears the connection down once. Blocked I/O is interrupted by
// an expired deadline; the socket itself closes on the last put.
func (c *conn) shutdown(err error) {
	c.shutOnce.Do(func() {
		c.shutting.Store(true)
		c.state.Store(int32(StateShuttingDown))
		c.idle.cancel()
		c.keepalive.cancel()

		c.mu.Lock()
		if c.nc != nil {
			c.nc.SetDeadline(time.Now())
		}
		c.mu.Unlock()

		c.m.detach(c, err)
	})
}

// write sends one frame. Frames from concurrent senders never interleave.
func (c *conn) write(h *header, payload []byte) error {
	nc := c.netConn()
	if nc == nil || c.shutting.Load() {
		return ErrNotConnected
	}

	var hdr [HeaderLen]byte
	h.DataLen = uint16(len(payload))
	h.marshal(hdr[:])

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nc.SetWriteDeadline(time.Now().Add(c.m.timing.IdleTimeout))
	bufs := net.Buffers{hdr[:], payload}
	if _, err := bufs.WriteTo(nc); err != nil {
		c.shutdown(err)
		return ErrPeerDied
	}
	return nil
}

// readLoop owns one reference and processes frames in order until the
// connection fails. Handlers run on this goroutine.
func (c *conn) readLoop() {
	defer c.put()

	nc := c.netConn()
	hdrBuf := make([]byte, HeaderLen)
	payload := make([]byte, MaxPayload)

	for {
		if _, err := io.ReadFull(nc, hdrBuf); err != nil {
			c.readFailed(err)
			return
		}

		var h header
		if err := h.unmarshal(hdrBuf); err != nil {
			c.m.logger.Warn("dropping connection on bad frame", "peer", c.peer, "error", err)
			c.shutdown(err)
			return
		}

		data := payload[:h.DataLen]
		if _, err := io.ReadFull(nc, data); err != nil {
			c.readFailed(err)
			return
		}

		c.received()

		switch h.Magic {
		case magicKeepaliveReq:
			c.write(&header{Magic: magicKeepaliveResp}, nil)
		case magicKeepaliveResp:
		case magicStatus:
			c.m.completeStatus(c.peer, &h)
		case magicData:
			c.m.dispatch(c, &h, data)
		}
	}
}

func (c *conn) readFailed(err error) {
	if !c.shutting.Load() && !errors.Is(err, io.EOF) {
		c.m.logger.Debug("connection read failed", "peer", c.peer, "error", err)
	}
	c.shutdown(err)
}

// received pushes the idle and keepalive timers out and clears any
// suspicion raised by a previous idle timeout.
func (c *conn) received() {
	c.idle.arm(c.m.timing.IdleTimeout)
	c.keepalive.arm(c.m.timing.KeepaliveDelay)
	if c.suspected.CompareAndSwap(true, false) {
		c.m.fencer.Unsuspect(c.peer)
	}
}

func (c *conn) sendKeepalive() {
	c.write(&header{Magic: magicKeepaliveReq}, nil)
}

func (c *conn) idleExpired() {
	if c.shutting.Load() {
		return
	}
	if c.suspected.CompareAndSwap(false, true) {
		c.m.logger.Warn("connection idle, raising suspicion",
			"peer", c.peer,
			"idle_timeout", c.m.timing.IdleTimeout)
		c.m.metrics.Suspected()
		c.m.fencer.Suspect(c.peer)
	}
}

// connTimer runs fn on the manager's work queue after a delay. An armed
// timer holds a connection reference.
type connTimer struct {
	c  *conn
	fn func()

	mu sync.Mutex
	t  *time.Timer
}

func (ct *connTimer) arm(d time.Duration) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.t != nil && ct.t.Stop() {
		ct.c.put()
	}
	ct.t = nil
	if ct.c.shutting.Load() {
		return
	}

	ct.c.get()
	ct.t = time.AfterFunc(d, func() {
		ok := ct.c.m.queue.submit(func() {
			defer ct.c.put()
			ct.fn()
		})
		if !ok {
			ct.c.put()
		}
	})
}

func (ct *connTimer) cancel() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.t != nil && ct.t.Stop() {
		ct.c.put()
	}
	ct.t = nil
}

// writeRaw writes unframed bytes; used for the handshake record.
func (c *conn) writeRaw(b []byte) error {
	nc := c.netConn()
	if nc == nil || c.shutting.Load() {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	nc.SetWriteDeadline(time.Now().Add(c.m.timing.IdleTimeout))
	_, err := nc.Write(b)
	return err
}

// clearDeadline removes the handshake deadlines unless the connection is
// already shutting down, in which case the expired deadline must stay.
func (c *conn) clearDeadline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutting.Load() || c.nc == nil {
		return false
	}
	c.nc.SetDeadline(time.Time{})
	return true
}

func (c *conn) setReadDeadline(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutting.Load() || c.nc == nil {
		return false
	}
	c.nc.SetReadDeadline(t)
	return true
}
