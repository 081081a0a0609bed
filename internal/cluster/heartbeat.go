package cluster

import (
	"sync"
	"time"
)

// HeartbeatListener receives node liveness transitions. Callbacks are
// invoked synchronously in subscription order and must not block for long.
type HeartbeatListener interface {
	NodeUp(id NodeID)
	NodeDown(id NodeID)
}

// Heartbeat reports node liveness. Failure detection itself is the
// implementation's concern; consumers only see up/down transitions.
type Heartbeat interface {
	// IsAlive reports whether id is currently heartbeating.
	IsAlive(id NodeID) bool

	// LiveNodes returns the heartbeating nodes.
	LiveNodes() NodeMap

	// Subscribe registers l and returns a function that removes it.
	Subscribe(l HeartbeatListener) (unsubscribe func())

	// Timeout is the dead-node threshold. Peers exchange it during the
	// transport handshake and must agree on it.
	Timeout() time.Duration
}

// ListenerFuncs adapts plain functions to HeartbeatListener. Nil fields
// are skipped.
type ListenerFuncs struct {
	Up   func(id NodeID)
	Down func(id NodeID)
}

func (f ListenerFuncs) NodeUp(id NodeID) {
	if f.Up != nil {
		f.Up(id)
	}
}

func (f ListenerFuncs) NodeDown(id NodeID) {
	if f.Down != nil {
		f.Down(id)
	}
}

// liveSet is the bookkeeping shared by heartbeat implementations: the live
// bitmap plus the listener list. Transitions are serialized by notifyMu so
// listeners observe up/down events for a node in the order they happened.
type liveSet struct {
	mu        sync.RWMutex
	alive     NodeMap
	listeners []*listenerEntry

	notifyMu sync.Mutex
}

type listenerEntry struct {
	l HeartbeatListener
}

func (s *liveSet) isAlive(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive.Test(id)
}

func (s *liveSet) live() NodeMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

func (s *liveSet) subscribe(l HeartbeatListener) func() {
	e := &listenerEntry{l: l}
	s.mu.Lock()
	s.listeners = append(s.listeners, e)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.listeners {
			if cur == e {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// set records the transition and notifies listeners when it changed
// something. Listeners run without s.mu held.
func (s *liveSet) set(id NodeID, alive bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.alive.Test(id) == alive {
		s.mu.Unlock()
		return false
	}
	if alive {
		s.alive.Set(id)
	} else {
		s.alive.Clear(id)
	}
	listeners := make([]*listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, e := range listeners {
		if alive {
			e.l.NodeUp(id)
		} else {
			e.l.NodeDown(id)
		}
	}
	return true
}

// LocalHeartbeat is an in-process Heartbeat driven explicitly through
// SetAlive. Tests use one instance per simulated node.
type LocalHeartbeat struct {
	set     liveSet
	timeout time.Duration
}

// NewLocalHeartbeat creates a heartbeat with the given dead threshold and
// the initial set of live nodes. No events fire for the initial set.
func NewLocalHeartbeat(timeout time.Duration, alive ...NodeID) *LocalHeartbeat {
	h := &LocalHeartbeat{timeout: timeout}
	for _, id := range alive {
		h.set.alive.Set(id)
	}
	return h
}

// SetAlive changes the liveness of id, notifying listeners on change.
func (h *LocalHeartbeat) SetAlive(id NodeID, alive bool) bool {
	return h.set.set(id, alive)
}

func (h *LocalHeartbeat) IsAlive(id NodeID) bool { return h.set.isAlive(id) }

func (h *LocalHeartbeat) LiveNodes() NodeMap { return h.set.live() }

func (h *LocalHeartbeat) Subscribe(l HeartbeatListener) func() { return h.set.subscribe(l) }

func (h *LocalHeartbeat) Timeout() time.Duration { return h.timeout }
