package dlm

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

// RecoveryPhase is the state of a domain's recovery thread.
type RecoveryPhase uint8

const (
	PhaseIdle RecoveryPhase = iota
	PhaseElecting
	PhaseRemoteMaster
	PhaseLocalMaster
	PhaseFinalizing
)

func (p RecoveryPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseElecting:
		return "electing"
	case PhaseRemoteMaster:
		return "remote-master"
	case PhaseLocalMaster:
		return "local-master"
	case PhaseFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// RosterState tracks one survivor's contribution on the recovery master.
type RosterState uint8

const (
	RosterInit RosterState = iota
	RosterRequesting
	RosterRequested
	RosterReceiving
	RosterDone
	RosterDead
)

func (s RosterState) String() string {
	switch s {
	case RosterInit:
		return "init"
	case RosterRequesting:
		return "requesting"
	case RosterRequested:
		return "requested"
	case RosterReceiving:
		return "receiving"
	case RosterDone:
		return "done"
	case RosterDead:
		return "dead"
	}
	return "unknown"
}

type recoveryState struct {
	phase        RecoveryPhase
	deadNode     cluster.NodeID
	newMaster    cluster.NodeID
	recoveryMap  cluster.NodeMap
	finalizing   bool
	contributing bool
	roster       map[cluster.NodeID]RosterState
	session      ulid.ULID
	started      time.Time
}

// reset clears the per-session fields. Pending dead nodes stay queued.
func (s *recoveryState) reset() {
	s.deadNode = cluster.NodeUnknown
	s.newMaster = cluster.NodeUnknown
	s.finalizing = false
	s.contributing = false
	s.roster = nil
	s.session = ulid.ULID{}
	if s.recoveryMap.Empty() {
		s.phase = PhaseIdle
	} else {
		s.phase = PhaseElecting
	}
}

// RosterEntry is one survivor's state in RecoveryStatus.
type RosterEntry struct {
	Node  cluster.NodeID `json:"node"`
	State string         `json:"state"`
}

// RecoveryStatus is a snapshot of a domain's recovery state.
type RecoveryStatus struct {
	Domain       string           `json:"domain"`
	Phase        string           `json:"phase"`
	Session      string           `json:"session,omitempty"`
	DeadNode     cluster.NodeID   `json:"dead_node"`
	Master       cluster.NodeID   `json:"master"`
	Pending      []cluster.NodeID `json:"pending"`
	Roster       []RosterEntry    `json:"roster,omitempty"`
	Members      []cluster.NodeID `json:"members"`
	ElectionsWon uint64           `json:"elections_won"`
	Completed    uint64           `json:"completed"`
}

// RecoveryStatus returns the current recovery state.
func (d *Domain) RecoveryStatus() RecoveryStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := RecoveryStatus{
		Domain:       d.name,
		Phase:        d.reco.phase.String(),
		DeadNode:     d.reco.deadNode,
		Master:       d.reco.newMaster,
		Pending:      d.reco.recoveryMap.IDs(),
		Members:      d.members.Load().IDs(),
		ElectionsWon: d.electionsWon.Load(),
		Completed:    d.completed.Load(),
	}
	if d.reco.session != (ulid.ULID{}) {
		st.Session = d.reco.session.String()
	}
	for id, s := range d.reco.roster {
		st.Roster = append(st.Roster, RosterEntry{Node: id, State: s.String()})
	}
	sort.Slice(st.Roster, func(i, j int) bool { return st.Roster[i].Node < st.Roster[j].Node })
	return st
}
