package pbft

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrConfiguration     = errors.New("pbft: configuration error")
	ErrDuplicateProposal = errors.New("pbft: duplicate proposal")
	ErrRosterNotReady    = errors.New("pbft: roster not ready")
	ErrTransport         = errors.New("pbft: transport error")
	ErrLiveness          = errors.New("pbft: liveness alarm")
	ErrUnknownHandle     = errors.New("pbft: unknown sequence handle")
	ErrStopped           = errors.New("pbft: engine stopped")
)

// ConfigurationError is fatal: the engine refuses to start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pbft: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// DuplicateProposalError is returned when the proposal id is already in
// flight or decided. Callers may retry with a new id.
type DuplicateProposalError struct {
	ProposalID string
	Sequence   uint64
}

func (e *DuplicateProposalError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("pbft: proposal %s already assigned to sequence %d", e.ProposalID, e.Sequence)
	}
	return fmt.Sprintf("pbft: proposal %s already in flight", e.ProposalID)
}

func (e *DuplicateProposalError) Is(target error) bool { return target == ErrDuplicateProposal }

// RosterNotReadyError is returned while fewer than 3f+1 replicas are configured.
type RosterNotReadyError struct {
	Have int
	Need int
}

func (e *RosterNotReadyError) Error() string {
	return fmt.Sprintf("pbft: roster has %d nodes, need %d", e.Have, e.Need)
}

func (e *RosterNotReadyError) Is(target error) bool { return target == ErrRosterNotReady }

// TransportError wraps a failed broadcast or relay. It is logged and counted,
// never surfaced to proposal callers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pbft: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// LivenessAlarm is raised when view changes stop converging. Recovery needs
// operator intervention such as roster repair.
type LivenessAlarm struct {
	NodeID   string
	View     uint64
	Target   uint64
	Attempts int
	Aborted  []uint64
}

func (e *LivenessAlarm) Error() string {
	return fmt.Sprintf("pbft: node %s halted in view %d after %d view-change attempts towards view %d",
		e.NodeID, e.View, e.Attempts, e.Target)
}

func (e *LivenessAlarm) Is(target error) bool { return target == ErrLiveness }
