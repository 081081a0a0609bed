package transport

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ProtocolVersion must match exactly between peers.
const ProtocolVersion uint64 = 11

const handshakeLen = 24

// Timing holds the parameters peers must agree on.
type Timing struct {
	// IdleTimeout is how long a connection may go without received
	// traffic before the peer is suspected.
	IdleTimeout time.Duration

	// KeepaliveDelay is the receive silence after which a keepalive
	// probe is sent.
	KeepaliveDelay time.Duration

	// HeartbeatTimeout is the heartbeat dead threshold.
	HeartbeatTimeout time.Duration
}

// DefaultTiming returns the default idle and keepalive settings. The
// heartbeat timeout is taken from the Heartbeat at Manager creation.
func DefaultTiming() Timing {
	return Timing{
		IdleTimeout:    30 * time.Second,
		KeepaliveDelay: 2 * time.Second,
	}
}

// handshake is the fixed record each side sends right after connect.
type handshake struct {
	Version            uint64
	Connector          uint32
	HeartbeatTimeoutMs uint32
	IdleTimeoutMs      uint32
	KeepaliveDelayMs   uint32
}

func newHandshake(connector uint32, t Timing) handshake {
	return handshake{
		Version:            ProtocolVersion,
		Connector:          connector,
		HeartbeatTimeoutMs: uint32(t.HeartbeatTimeout.Milliseconds()),
		IdleTimeoutMs:      uint32(t.IdleTimeout.Milliseconds()),
		KeepaliveDelayMs:   uint32(t.KeepaliveDelay.Milliseconds()),
	}
}

func (h *handshake) marshal() []byte {
	b := make([]byte, handshakeLen)
	binary.BigEndian.PutUint64(b[0:8], h.Version)
	binary.BigEndian.PutUint32(b[8:12], h.Connector)
	binary.BigEndian.PutUint32(b[12:16], h.HeartbeatTimeoutMs)
	binary.BigEndian.PutUint32(b[16:20], h.IdleTimeoutMs)
	binary.BigEndian.PutUint32(b[20:24], h.KeepaliveDelayMs)
	return b
}

func (h *handshake) unmarshal(b []byte) {
	h.Version = binary.BigEndian.Uint64(b[0:8])
	h.Connector = binary.BigEndian.Uint32(b[8:12])
	h.HeartbeatTimeoutMs = binary.BigEndian.Uint32(b[12:16])
	h.IdleTimeoutMs = binary.BigEndian.Uint32(b[16:20])
	h.KeepaliveDelayMs = binary.BigEndian.Uint32(b[20:24])
}

// compatible checks the remote record against ours. The returned error
// wraps ErrProtocolMismatch and names the first differing field.
func (h handshake) compatible(remote handshake) error {
	switch {
	case remote.Version != h.Version:
		return fmt.Errorf("%w: protocol version %d, want %d", ErrProtocolMismatch, remote.Version, h.Version)
	case remote.IdleTimeoutMs != h.IdleTimeoutMs:
		return fmt.Errorf("%w: idle timeout %dms, want %dms", ErrProtocolMismatch, remote.IdleTimeoutMs, h.IdleTimeoutMs)
	case remote.KeepaliveDelayMs != h.KeepaliveDelayMs:
		return fmt.Errorf("%w: keepalive delay %dms, want %dms", ErrProtocolMismatch, remote.KeepaliveDelayMs, h.KeepaliveDelayMs)
	case remote.HeartbeatTimeoutMs != h.HeartbeatTimeoutMs:
		return fmt.Errorf("%w: heartbeat timeout %dms, want %dms", ErrProtocolMismatch, remote.HeartbeatTimeoutMs, h.HeartbeatTimeoutMs)
	}
	return nil
}

// mismatchReason is the metric label for a handshake rejection.
func (h handshake) mismatchReason(remote handshake) string {
	switch {
	case remote.Version != h.Version:
		return "version"
	case remote.IdleTimeoutMs != h.IdleTimeoutMs:
		return "idle_timeout"
	case remote.KeepaliveDelayMs != h.KeepaliveDelayMs:
		return "keepalive_delay"
	default:
		return "heartbeat_timeout"
	}
}
