package dlm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// memNet is an in-process message fabric. Send runs the target's handler
// on the caller's goroutine.
type memNet struct {
	mu    sync.Mutex
	eps   map[cluster.NodeID]*memEndpoint
	down  cluster.NodeMap
	sends map[uint16]int
}

func newMemNet() *memNet {
	return &memNet{eps: make(map[cluster.NodeID]*memEndpoint), sends: make(map[uint16]int)}
}

func (n *memNet) endpoint(id cluster.NodeID) *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &memEndpoint{net: n, id: id, regs: make(map[*transport.RegistrationList][]transport.HandlerSpec)}
	n.eps[id] = ep
	return ep
}

// kill cuts id off: sends to and from it fail with ErrNotConnected.
func (n *memNet) kill(id cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down.Set(id)
}

func (n *memNet) sent(typ uint16) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends[typ]
}

type memEndpoint struct {
	net  *memNet
	id   cluster.NodeID
	mu   sync.Mutex
	regs map[*transport.RegistrationList][]transport.HandlerSpec
}

func (e *memEndpoint) Self() cluster.NodeID { return e.id }

func (e *memEndpoint) RegisterHandler(spec transport.HandlerSpec, list *transport.RegistrationList) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, specs := range e.regs {
		for _, s := range specs {
			if s.Type == spec.Type && s.Key == spec.Key {
				return transport.ErrDuplicateHandler
			}
		}
	}
	e.regs[list] = append(e.regs[list], spec)
	return nil
}

func (e *memEndpoint) UnregisterHandlers(list *transport.RegistrationList) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.regs, list)
}

func (e *memEndpoint) lookup(typ uint16, key uint32) *transport.HandlerSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, specs := range e.regs {
		for i := range specs {
			if specs[i].Type == typ && specs[i].Key == key {
				s := specs[i]
				return &s
			}
		}
	}
	return nil
}

func (e *memEndpoint) Send(ctx context.Context, msgType uint16, key uint32, payload []byte, target cluster.NodeID) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if target == e.id {
		return 0, transport.ErrLoopback
	}
	n := e.net
	n.mu.Lock()
	to, ok := n.eps[target]
	cut := n.down.Test(target) || n.down.Test(e.id)
	n.sends[msgType]++
	n.mu.Unlock()
	if !ok {
		return 0, transport.ErrUnknownNode
	}
	if cut {
		return 0, transport.ErrNotConnected
	}
	spec := to.lookup(msgType, key)
	if spec == nil {
		return 0, transport.ErrNoHandler
	}
	if len(payload) > spec.MaxLen {
		return 0, transport.ErrOverflow
	}
	msg := &transport.Message{From: e.id, Type: msgType, Key: key, Payload: append([]byte(nil), payload...)}
	status, ret := spec.Func(msg, spec.Data)
	if spec.Post != nil {
		spec.Post(status, spec.Data, ret)
	}
	return status, nil
}

type testNode struct {
	id cluster.NodeID
	hb *cluster.LocalHeartbeat
	ep *memEndpoint
	d  *Domain

	hooks testHooks

	mu     sync.Mutex
	fatals []string
}

func (n *testNode) fatalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fatals)
}

type testCluster struct {
	t     *testing.T
	net   *memNet
	nodes map[cluster.NodeID]*testNode
}

// newTestCluster joins one domain per id over a memNet, in id order.
// tweak may adjust each node's config and test hooks.
func newTestCluster(t *testing.T, ids []cluster.NodeID, tweak func(n *testNode, cfg *Config)) *testCluster {
	t.Helper()
	c := &testCluster{t: t, net: newMemNet(), nodes: make(map[cluster.NodeID]*testNode)}
	for _, id := range ids {
		n := &testNode{id: id, hb: cluster.NewLocalHeartbeat(time.Second, ids...)}
		n.ep = c.net.endpoint(id)
		cfg := Config{
			Name:           "test",
			Transport:      n.ep,
			Heartbeat:      n.hb,
			RecoveryPoll:   20 * time.Millisecond,
			RetryDelay:     5 * time.Millisecond,
			RequestTimeout: 2 * time.Second,
			OnFatal: func(msg string) {
				n.mu.Lock()
				n.fatals = append(n.fatals, msg)
				n.mu.Unlock()
			},
			Logger: logger.Discard(),
		}
		if tweak != nil {
			tweak(n, &cfg)
		}
		d, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		d.hooks = n.hooks
		n.d = d
		c.nodes[id] = n
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := c.nodes[id].d.Join(ctx); err != nil {
			t.Fatalf("Join node %d failed: %v", id, err)
		}
		t.Cleanup(c.nodes[id].d.Close)
	}
	want := cluster.NodeMapOf(ids...)
	waitFor(t, "domain membership", 5*time.Second, func() bool {
		for _, n := range c.nodes {
			if n.d.Members() != want {
				return false
			}
		}
		return true
	})
	return c
}

// kill fails node id: its links go dark, its domain stops and every
// survivor's heartbeat reports it down.
func (c *testCluster) kill(id cluster.NodeID) {
	c.net.kill(id)
	c.nodes[id].d.Close()
	delete(c.nodes, id)
	for _, n := range c.nodes {
		n.hb.SetAlive(id, false)
	}
}

func (c *testCluster) waitRecovered() {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, n := range c.nodes {
		if err := n.d.WaitRecovered(ctx); err != nil {
			c.t.Fatalf("node %d WaitRecovered: %v (status %+v)", id, err, n.d.RecoveryStatus())
		}
	}
}

func (c *testCluster) electionsWon() uint64 {
	var n uint64
	for _, node := range c.nodes {
		n += node.d.RecoveryStatus().ElectionsWon
	}
	return n
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustLock(t *testing.T, d *Domain, name string, mode Mode) *LockHandle {
	t.Helper()
	h, err := d.Lock(testContext(t), name, mode, 0)
	if err != nil {
		t.Fatalf("Lock(%s, %s) on node %d: %v", name, mode, d.self, err)
	}
	return h
}

func mustUnlock(t *testing.T, d *Domain, h *LockHandle) {
	t.Helper()
	if err := d.Unlock(testContext(t), h); err != nil {
		t.Fatalf("Unlock(%s) on node %d: %v", h.Name(), d.self, err)
	}
}

// newIdleDomain builds a domain that looks joined to members but runs no
// recovery thread, so handlers can be driven directly.
func newIdleDomain(t *testing.T, self cluster.NodeID, members ...cluster.NodeID) (*Domain, *testNode) {
	t.Helper()
	net := newMemNet()
	n := &testNode{id: self, hb: cluster.NewLocalHeartbeat(time.Second, members...)}
	n.ep = net.endpoint(self)
	d, err := New(Config{
		Name:      "idle",
		Transport: n.ep,
		Heartbeat: n.hb,
		OnFatal: func(msg string) {
			n.mu.Lock()
			n.fatals = append(n.fatals, msg)
			n.mu.Unlock()
		},
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(d.Close)
	d.joined.Store(true)
	m := cluster.NodeMapOf(members...)
	m.Set(self)
	d.mu.Lock()
	d.setMembersLocked(m)
	d.mu.Unlock()
	n.d = d
	return d, n
}

func from(id cluster.NodeID, payload []byte) *transport.Message {
	return &transport.Message{From: id, Payload: payload}
}

func names(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}
