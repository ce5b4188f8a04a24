package pbft

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// Phase represents the current phase of a sequence.
type Phase int

const (
	// Idle - slot allocated, nothing accepted yet.
	Idle Phase = iota
	// PhasePrePrepare - the primary bound a proposal to the slot.
	PhasePrePrepare
	// PhasePrepare - pre-prepare accepted and our prepare sent.
	PhasePrepare
	// PhaseCommit - prepare quorum seen and our commit sent.
	PhaseCommit
	// Decided - commit quorum seen. Terminal.
	Decided
	// ViewChanging - frozen until the next NEW-VIEW.
	ViewChanging
	// Aborted - abandoned after view changes stopped converging. Terminal.
	Aborted
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case PhasePrePrepare:
		return "PRE-PREPARE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case Decided:
		return "DECIDED"
	case ViewChanging:
		return "VIEW-CHANGING"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == Decided || p == Aborted
}

// PrePrepareOutcome tells the engine what to do with a pre-prepare.
type PrePrepareOutcome int

const (
	// PrePrepareAccepted - first pre-prepare for the view; send a prepare.
	PrePrepareAccepted PrePrepareOutcome = iota
	// PrePrepareDuplicate - already accepted with the same digest.
	PrePrepareDuplicate
	// PrePrepareConflict - already accepted with another digest.
	PrePrepareConflict
	// PrePrepareStale - the slot already moved to a later view.
	PrePrepareStale
	// PrePrepareRejected - terminal slot or the digest contradicts the decided value.
	PrePrepareRejected
)

// Step lists the actions the engine performs after a vote evaluation.
type Step struct {
	SendCommit bool
	Decide     bool
}

// preparedMark remembers the latest view in which the slot gathered a
// prepare quorum.
type preparedMark struct {
	View       uint64
	Digest     []byte
	PrePrepare *Message
}

// State is the state machine of one sequence. Only its own methods mutate it.
type State struct {
	mu sync.Mutex

	Sequence uint64
	View     uint64
	Phase    Phase

	Digest     []byte
	Proposal   *types.ConsensusProposal
	PrePrepare *Message

	prepared   *preparedMark
	sentCommit bool
	result     *types.ConsensusResult
}

// NewState creates an idle sequence.
func NewState(seq uint64) *State {
	return &State{Sequence: seq, Phase: Idle}
}

// Assign binds a proposal on the primary before its pre-prepare is processed.
func (s *State) Assign(view uint64, proposal *types.ConsensusProposal, digest []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != Idle || s.PrePrepare != nil {
		return false
	}
	s.View = view
	s.Proposal = proposal
	s.Digest = digest
	s.Phase = PhasePrePrepare
	return true
}

// OnPrePrepare accepts the first pre-prepare of a view. A slot that already
// decided only accepts a re-proposal of its decided digest, so that lagging
// replicas can still gather votes in the new view.
func (s *State) OnPrePrepare(msg *Message, proposal *types.ConsensusProposal) PrePrepareOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase == Aborted {
		return PrePrepareRejected
	}
	if msg.View < s.View {
		return PrePrepareStale
	}
	if msg.View == s.View && s.PrePrepare != nil {
		if bytes.Equal(s.PrePrepare.Digest, msg.Digest) {
			return PrePrepareDuplicate
		}
		return PrePrepareConflict
	}
	if s.Phase == Decided {
		if !bytes.Equal(s.Digest, msg.Digest) {
			return PrePrepareRejected
		}
		s.View = msg.View
		s.PrePrepare = msg
		s.sentCommit = false
		return PrePrepareAccepted
	}

	s.View = msg.View
	s.PrePrepare = msg
	s.Digest = msg.Digest
	s.Proposal = proposal
	s.sentCommit = false
	s.Phase = PhasePrepare
	return PrePrepareAccepted
}

// HasPrePrepare reports whether a pre-prepare for view was accepted.
func (s *State) HasPrePrepare(view uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PrePrepare != nil && s.View == view
}

// Advance applies vote counts for view. frozen blocks new commits while a view
// change is running; deciding on a commit quorum stays allowed.
func (s *State) Advance(view uint64, prepares, commits, n int, frozen bool) Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	var step Step
	if s.PrePrepare == nil || s.View != view || s.Phase == Aborted {
		return step
	}
	if !s.sentCommit && !frozen && HasQuorum(prepares, n) &&
		(s.Phase == PhasePrepare || s.Phase == Decided) {
		s.sentCommit = true
		s.prepared = &preparedMark{View: view, Digest: s.Digest, PrePrepare: s.PrePrepare}
		if s.Phase == PhasePrepare {
			s.Phase = PhaseCommit
		}
		step.SendCommit = true
	}
	if s.Phase != Decided && HasQuorum(commits, n) {
		s.Phase = Decided
		step.Decide = true
	}
	return step
}

// Freeze moves a live slot into ViewChanging.
func (s *State) Freeze() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Phase {
	case Decided, Aborted, ViewChanging:
		return false
	}
	s.Phase = ViewChanging
	return true
}

// Reset returns an unfinished slot to Idle for reuse in view. The prepared
// certificate is kept so later view changes still carry it.
func (s *State) Reset(view uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase.Terminal() {
		return
	}
	s.View = view
	s.Phase = Idle
	s.PrePrepare = nil
	s.Digest = nil
	s.Proposal = nil
	s.sentCommit = false
}

// Abort marks an unfinished slot as abandoned.
func (s *State) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase.Terminal() {
		return false
	}
	s.Phase = Aborted
	return true
}

// SetResult stores the terminal result.
func (s *State) SetResult(r *types.ConsensusResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

// Result returns the terminal result, if any.
func (s *State) Result() *types.ConsensusResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// GetPhase returns the current phase.
func (s *State) GetPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Phase
}

// Snapshot returns the fields needed outside the lock.
func (s *State) Snapshot() (view uint64, phase Phase, digest []byte, proposal *types.ConsensusProposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.View, s.Phase, s.Digest, s.Proposal
}

// PreparedIn returns the latest prepare quorum of the slot.
func (s *State) PreparedIn() (view uint64, digest []byte, pp *Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared == nil {
		return 0, nil, nil, false
	}
	return s.prepared.View, s.prepared.Digest, s.prepared.PrePrepare, true
}

// StateLog is the arena of sequence state machines between the low and
// high watermarks.
type StateLog struct {
	mu     sync.RWMutex
	states map[uint64]*State

	// Low water mark - last stable checkpoint.
	LowWaterMark uint64

	// High water mark - highest acceptable sequence number.
	HighWaterMark uint64

	WindowSize uint64
}

// NewStateLog creates a new state log.
func NewStateLog(windowSize uint64) *StateLog {
	return &StateLog{
		states:        make(map[uint64]*State),
		LowWaterMark:  0,
		HighWaterMark: windowSize,
		WindowSize:    windowSize,
	}
}

// Get returns the state for a sequence number, creating it if necessary.
func (sl *StateLog) Get(seq uint64) *State {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if st, ok := sl.states[seq]; ok {
		return st
	}
	st := NewState(seq)
	sl.states[seq] = st
	return st
}

// Existing returns the state for a sequence number if it exists.
func (sl *StateLog) Existing(seq uint64) *State {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.states[seq]
}

// IsInWindow checks seq against the watermarks.
func (sl *StateLog) IsInWindow(seq uint64) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return seq > sl.LowWaterMark && seq <= sl.HighWaterMark
}

// Watermarks returns the current low and high watermarks.
func (sl *StateLog) Watermarks() (low, high uint64) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.LowWaterMark, sl.HighWaterMark
}

// AdvanceWatermarks moves the window after a stable checkpoint and garbage
// collects the states at or below it.
func (sl *StateLog) AdvanceWatermarks(checkpoint uint64) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if checkpoint <= sl.LowWaterMark {
		return false
	}
	sl.LowWaterMark = checkpoint
	sl.HighWaterMark = checkpoint + sl.WindowSize
	for seq := range sl.states {
		if seq <= sl.LowWaterMark {
			delete(sl.states, seq)
		}
	}
	return true
}

// Above returns the states with a sequence above seq, in sequence order.
func (sl *StateLog) Above(seq uint64) []*State {
	sl.mu.RLock()
	out := make([]*State, 0, len(sl.states))
	for s, st := range sl.states {
		if s > seq {
			out = append(out, st)
		}
	}
	sl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Len returns the number of live states.
func (sl *StateLog) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.states)
}
