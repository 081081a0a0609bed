package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrMsgTooLarge is returned when a payload exceeds MaxPayload.
	ErrMsgTooLarge = errors.New("transport: message too large")

	// ErrLoopback is returned when sending to the local node.
	ErrLoopback = errors.New("transport: send to self")

	// ErrUnknownNode is returned when the target is not in the registry.
	ErrUnknownNode = errors.New("transport: unknown node")

	// ErrPeerDied completes sends whose connection tore down before the
	// status reply arrived.
	ErrPeerDied = errors.New("transport: peer died")

	// ErrNotConnected is the standing error for peers that are down or
	// could not be reached within the connect deadline.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrProtocolMismatch is the standing error after a handshake with
	// incompatible version or timing. It persists until the peer's next
	// heartbeat up.
	ErrProtocolMismatch = errors.New("transport: protocol mismatch")

	// ErrFraming reports a malformed frame (bad magic, oversize length).
	ErrFraming = errors.New("transport: framing error")

	// ErrNoHandler is returned when the peer had no handler for the
	// message type and key.
	ErrNoHandler = errors.New("transport: no handler")

	// ErrOverflow is returned when the payload exceeded the peer
	// handler's maximum length.
	ErrOverflow = errors.New("transport: payload exceeds handler limit")

	// ErrBadStatus is returned for system status codes this node does not
	// understand.
	ErrBadStatus = errors.New("transport: bad system status")

	// ErrStopped is returned by a Manager that has been stopped.
	ErrStopped = errors.New("transport: manager stopped")

	// ErrInvalidHandler is returned when a registration lacks a function or
	// message type.
	ErrInvalidHandler = errors.New("transport: invalid handler")

	// ErrHandlerTooLarge is returned when a registration's MaxLen exceeds
	// MaxPayload.
	ErrHandlerTooLarge = errors.New("transport: handler max length too large")

	// ErrDuplicateHandler is returned when (type, key) is already
	// registered.
	ErrDuplicateHandler = errors.New("transport: duplicate handler")
)

// SysStatus is the transport-level outcome carried in a status reply,
// separate from the handler's own status.
type SysStatus uint32

const (
	SysOK SysStatus = iota
	SysNoHandler
	SysOverflow
	SysDied
)

func (s SysStatus) String() string {
	switch s {
	case SysOK:
		return "ok"
	case SysNoHandler:
		return "no_handler"
	case SysOverflow:
		return "overflow"
	case SysDied:
		return "died"
	default:
		return fmt.Sprintf("sys(%d)", uint32(s))
	}
}

func (s SysStatus) err() error {
	switch s {
	case SysOK:
		return nil
	case SysNoHandler:
		return ErrNoHandler
	case SysOverflow:
		return ErrOverflow
	case SysDied:
		return ErrPeerDied
	default:
		return fmt.Errorf("%w: %d", ErrBadStatus, uint32(s))
	}
}

// errorReason maps send errors to a short metric label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrMsgTooLarge):
		return "too_large"
	case errors.Is(err, ErrLoopback):
		return "loopback"
	case errors.Is(err, ErrUnknownNode):
		return "unknown_node"
	case errors.Is(err, ErrPeerDied):
		return "peer_died"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, ErrNoHandler):
		return "no_handler"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "other"
	}
}
