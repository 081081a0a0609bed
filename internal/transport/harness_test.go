package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

var testTiming = Timing{
	IdleTimeout:      2 * time.Second,
	KeepaliveDelay:   200 * time.Millisecond,
	HeartbeatTimeout: time.Second,
}

type recordingFencer struct {
	mu        sync.Mutex
	suspects  []cluster.NodeID
	clears    []cluster.NodeID
	suspected cluster.NodeMap
}

func (f *recordingFencer) Suspect(id cluster.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspects = append(f.suspects, id)
	f.suspected.Set(id)
}

func (f *recordingFencer) Unsuspect(id cluster.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, id)
	f.suspected.Clear(id)
}

func (f *recordingFencer) isSuspected(id cluster.NodeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspected.Test(id)
}

type testNode struct {
	id     cluster.NodeID
	reg    *cluster.Registry
	hb     *cluster.LocalHeartbeat
	fencer *recordingFencer
	m      *Manager
}

// newTestNodes builds one Manager per id on loopback listeners. Heartbeats
// start with only the node itself alive. tweak may adjust each config.
func newTestNodes(t *testing.T, ids []cluster.NodeID, tweak func(id cluster.NodeID, cfg *Config)) map[cluster.NodeID]*testNode {
	t.Helper()

	listeners := make(map[cluster.NodeID]net.Listener, len(ids))
	var nodes []cluster.Node
	for _, id := range ids {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen failed: %v", err)
		}
		listeners[id] = ln
		nodes = append(nodes, cluster.Node{ID: id, Name: "n" + id.String(), Addr: ln.Addr().String()})
	}

	out := make(map[cluster.NodeID]*testNode, len(ids))
	for _, id := range ids {
		reg, err := cluster.NewRegistry(id, nodes)
		if err != nil {
			t.Fatalf("NewRegistry failed: %v", err)
		}
		n := &testNode{
			id:     id,
			reg:    reg,
			hb:     cluster.NewLocalHeartbeat(testTiming.HeartbeatTimeout, id),
			fencer: &recordingFencer{},
		}
		cfg := Config{
			Registry:       reg,
			Heartbeat:      n.hb,
			Fencer:         n.fencer,
			Listener:       listeners[id],
			Timing:         testTiming,
			ReconnectDelay: 50 * time.Millisecond,
			Workers:        2,
			Logger:         logger.Discard(),
		}
		if tweak != nil {
			tweak(id, &cfg)
		}
		m, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := m.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		t.Cleanup(m.Stop)
		n.m = m
		out[id] = n
	}
	return out
}

// allAlive marks every node alive in every other node's heartbeat.
func allAlive(nodes map[cluster.NodeID]*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			a.hb.SetAlive(b.id, true)
		}
	}
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitConnected(t *testing.T, a, b *testNode) {
	t.Helper()
	waitFor(t, "connection "+a.id.String()+"<->"+b.id.String(), 5*time.Second, func() bool {
		return a.m.ConnectedNodes().Test(b.id) && b.m.ConnectedNodes().Test(a.id)
	})
}

// dialFake connects to m as node id, sends a handshake built from timing
// and returns the socket plus the acceptor's handshake.
func dialFake(t *testing.T, m *Manager, id cluster.NodeID, timing Timing) (net.Conn, handshake, error) {
	t.Helper()
	nc, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	hs := newHandshake(uint32(id), timing)
	if _, err := nc.Write(hs.marshal()); err != nil {
		nc.Close()
		return nil, handshake{}, err
	}
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := m.readHandshake(nc)
	nc.SetReadDeadline(time.Time{})
	if err != nil {
		nc.Close()
		return nil, handshake{}, err
	}
	return nc, reply, nil
}

func writeFrame(t *testing.T, nc net.Conn, h header, payload []byte) {
	t.Helper()
	h.DataLen = uint16(len(payload))
	buf := make([]byte, HeaderLen+len(payload))
	h.marshal(buf)
	copy(buf[HeaderLen:], payload)
	if _, err := nc.Write(buf); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := nc.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
