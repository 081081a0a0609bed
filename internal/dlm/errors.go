package dlm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotQueued is returned for NoQueue requests that cannot be granted
	// immediately.
	ErrNotQueued = errors.New("dlm: lock not granted immediately")

	// ErrRecovering is returned by the master while a resource is being
	// recovered or migrated. Callers retry after the barrier clears.
	ErrRecovering = errors.New("dlm: resource recovering")

	// ErrNotMaster is returned when a lock message reaches a node that no
	// longer masters the resource.
	ErrNotMaster = errors.New("dlm: not the resource master")

	ErrUnknownLock = errors.New("dlm: unknown lock")
	ErrInvalidMode = errors.New("dlm: invalid lock mode")
	ErrNameTooLong = errors.New("dlm: resource name too long")
	ErrLVBTooLarge = errors.New("dlm: lock value block too large")
	ErrBadMessage  = errors.New("dlm: malformed message")

	// ErrNotJoined is returned for operations on a domain that has not
	// joined or has already left.
	ErrNotJoined = errors.New("dlm: domain not joined")

	// ErrBusy is returned by Leave while this node still holds locks.
	ErrBusy = errors.New("dlm: locks still held")

	// ErrMasterConflict is returned when two members claim the same
	// resource.
	ErrMasterConflict = errors.New("dlm: resource mastered by two nodes")
)

// Statuses carried in the transport status field. Non-negative values are
// message specific (owner ids for mastery queries).
const (
	statusOK          int32 = 0
	statusNotQueued   int32 = -1
	statusRecovering  int32 = -2
	statusNotMaster   int32 = -3
	statusRetry       int32 = -4
	statusNotHome     int32 = -5
	statusBadMessage  int32 = -6
	statusUnknownLock int32 = -7
)

func statusErr(st int32) error {
	switch st {
	case statusOK:
		return nil
	case statusNotQueued:
		return ErrNotQueued
	case statusRecovering, statusRetry:
		return ErrRecovering
	case statusNotMaster, statusNotHome:
		return ErrNotMaster
	case statusBadMessage:
		return ErrBadMessage
	case statusUnknownLock:
		return ErrUnknownLock
	}
	return fmt.Errorf("dlm: unexpected status %d", st)
}
