package transport

import (
	"context"
	"sync"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// peerSlot is the per-node connection bookkeeping. It lives as long as the
// Manager; connections come and go through it.
type peerSlot struct {
	id cluster.NodeID

	mu            sync.Mutex
	sc            *conn
	valid         bool
	persistentErr error
	lastAttempt   time.Time
	attempts      int
	changed       chan struct{}
	waits         waitSet

	connectTimer *time.Timer
	expireTimer  *time.Timer
}

func newPeerSlot(id cluster.NodeID) *peerSlot {
	return &peerSlot{
		id:            id,
		persistentErr: ErrNotConnected,
		changed:       make(chan struct{}),
	}
}

// notifyLocked wakes everyone blocked in waitReady.
func (s *peerSlot) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitReady blocks until the slot has a valid connection or a standing
// error. On success it returns the connection with a reference held and a
// registered status wait.
func (s *peerSlot) waitReady(ctx context.Context, stopped <-chan struct{}) (*conn, *statusWait, error) {
	for {
		s.mu.Lock()
		if s.valid {
			c := s.sc.get()
			w := s.waits.add()
			s.mu.Unlock()
			return c, w, nil
		}
		if err := s.persistentErr; err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-stopped:
			return nil, nil, ErrStopped
		}
	}
}

func (s *peerSlot) dropWait(id uint32) {
	s.mu.Lock()
	s.waits.remove(id)
	s.mu.Unlock()
}

func (s *peerSlot) state() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sc == nil {
		return StateDisconnected
	}
	return s.sc.State()
}

func (s *peerSlot) stopTimersLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.expireTimer != nil {
		s.expireTimer.Stop()
		s.expireTimer = nil
	}
}

// PeerInfo is a diagnostic view of one peer slot.
type PeerInfo struct {
	ID        cluster.NodeID `json:"id"`
	State     string         `json:"state"`
	Valid     bool           `json:"valid"`
	Initiator bool           `json:"initiator"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"connect_attempts"`
	Pending   int            `json:"pending_sends"`
}

func (s *peerSlot) info() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi := PeerInfo{
		ID:       s.id,
		State:    StateDisconnected.String(),
		Valid:    s.valid,
		Attempts: s.attempts,
		Pending:  s.waits.len(),
	}
	if s.sc != nil {
		pi.State = s.sc.State().String()
		pi.Initiator = s.sc.initiator
	}
	if s.persistentErr != nil {
		pi.Error = s.persistentErr.Error()
	}
	return pi
}
