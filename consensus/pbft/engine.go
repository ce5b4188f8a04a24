package pbft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/metrics"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// ErrInvalidProposal is returned for proposals without an id.
var ErrInvalidProposal = errors.New("pbft: proposal without id")

// Deps are the collaborators injected into the engine. Only Transport is
// needed for a multi-node cluster; everything else has a no-op default.
type Deps struct {
	Transport Transport
	Signer    Signer
	Verifier  Verifier
	Metrics   metrics.Recorder
	Emitter   StreamEmitter
	Store     Store
	Logger    *zap.Logger
}

// SequenceHandle identifies a submitted proposal. Sequence is zero until
// the primary ordered it.
type SequenceHandle struct {
	ProposalID string
	Sequence   uint64
}

type pendingProposal struct {
	proposal   *types.ConsensusProposal
	digest     []byte
	seq        uint64
	view       uint64
	local      bool
	acceptedAt time.Time
	timer      *time.Timer
}

type orphanKey struct {
	view uint64
	seq  uint64
}

// engineState is the cross-sequence bookkeeping owned by the engine.
// Guarded by Engine.mu. Never lock a State while holding Engine.mu.
type engineState struct {
	pending    map[string]*pendingProposal
	results    map[uint64]*types.ConsensusResult
	byProposal map[string]*types.ConsensusResult
	waiters    map[string][]chan *types.ConsensusResult

	subscribers map[int]chan *types.ConsensusResult
	nextSubID   int

	// highest sequence assigned, observed or decided
	nextSeq uint64
	// every sequence up to here has a result
	contiguous uint64

	checkpointSeq    uint64
	checkpointDigest []byte

	// pre-prepares for views not installed yet
	future map[uint64][]*Message

	halted *LivenessAlarm
}

// Engine is the PBFT consensus façade.
type Engine struct {
	mu sync.Mutex
	st engineState

	// viewMu orders view transitions against vote decisions: normal-case
	// handlers hold it for reading while they decide what to send.
	viewMu       sync.RWMutex
	view         atomic.Uint64
	viewChanging atomic.Bool

	config  *Config
	roster  atomic.Pointer[Roster]
	states  *StateLog
	log     *MessageLog
	vcm     *ViewChangeManager
	// slots holding votes without a pre-prepare, by first sighting
	orphans *lru.Cache[orphanKey, time.Time]

	transport Transport
	signer    Signer
	verifier  Verifier
	metrics   metrics.Recorder
	emitter   *asyncEmitter
	store     Store
	logger    *zap.Logger

	alarms   chan *LivenessAlarm
	done     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewEngine creates an engine for config.NodeID over roster.
func NewEngine(config *Config, roster *Roster, deps Deps) (*Engine, error) {
	if config == nil {
		return nil, &ConfigurationError{Field: "config", Reason: "is required"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if roster == nil {
		return nil, &ConfigurationError{Field: "roster", Reason: "is required"}
	}
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	if config.F > 0 && roster.Size() < 3*config.F+1 {
		return nil, &ConfigurationError{
			Field:  "roster",
			Reason: fmt.Sprintf("%d nodes cannot tolerate f=%d", roster.Size(), config.F),
		}
	}
	if !roster.Contains(config.NodeID) {
		return nil, &ConfigurationError{Field: "node_id", Reason: fmt.Sprintf("%q is not in the roster", config.NodeID)}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pbft").With(zap.String("node_id", config.NodeID))

	var m metrics.Recorder = metrics.NullMetrics{}
	if deps.Metrics != nil {
		m = deps.Metrics
	}

	e := &Engine{
		st: engineState{
			pending:     make(map[string]*pendingProposal),
			results:     make(map[uint64]*types.ConsensusResult),
			byProposal:  make(map[string]*types.ConsensusResult),
			waiters:     make(map[string][]chan *types.ConsensusResult),
			subscribers: make(map[int]chan *types.ConsensusResult),
			future:      make(map[uint64][]*Message),
		},
		config:    config,
		states:    NewStateLog(config.WindowSize),
		log:       NewMessageLog(),
		vcm:       NewViewChangeManager(config.NodeID, config.ViewChangeTimeout, config.MaxViewChangeAttempts),
		transport: deps.Transport,
		signer:    deps.Signer,
		verifier:  deps.Verifier,
		metrics:   m,
		emitter:   newAsyncEmitter(deps.Emitter, config.EmitQueueSize, m, logger),
		store:     deps.Store,
		logger:    logger,
		alarms:    make(chan *LivenessAlarm, 8),
		done:      make(chan struct{}),
	}
	e.roster.Store(roster)
	e.orphans, _ = lru.NewWithEvict[orphanKey, time.Time](4096, e.onOrphanExpired)

	e.vcm.SetOnTimeout(func(next uint64, attempt int) {
		e.startViewChange(next, fmt.Sprintf("view change timeout (attempt %d)", attempt))
	})
	e.vcm.SetOnExhausted(e.onLivenessFailure)

	if e.transport != nil {
		e.transport.SetMessageHandler(e.HandleMessage)
		e.transport.SetProposalHandler(e.HandleProposal)
	}
	e.metrics.SetCurrentView(0)

	return e, nil
}

// Start recovers the decision history from the store and ties the engine
// lifetime to ctx.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if err := e.recover(); err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-e.done:
		}
	}()
	go e.sweepOrphans()

	e.logger.Info("engine started",
		zap.Uint64("view", e.view.Load()),
		zap.String("primary", e.Primary()),
		zap.Int("roster_size", e.roster.Load().Size()))
	return nil
}

func (e *Engine) recover() error {
	if e.store == nil {
		return nil
	}
	cp, err := e.store.LoadCheckpoint()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	results, err := e.store.LoadResults()
	if err != nil {
		return fmt.Errorf("load decision history: %w", err)
	}

	e.mu.Lock()
	var view uint64
	if cp != nil {
		view = cp.View
		e.st.checkpointSeq = cp.Sequence
		e.st.checkpointDigest = cp.Digest
		e.st.contiguous = cp.Sequence
		e.st.nextSeq = cp.Sequence
	}
	for _, r := range results {
		e.st.results[r.Sequence] = r
		if r.ProposalID != "" {
			if _, ok := e.st.byProposal[r.ProposalID]; !ok {
				e.st.byProposal[r.ProposalID] = r
			}
		}
		if r.Sequence > e.st.nextSeq {
			e.st.nextSeq = r.Sequence
		}
		if r.View > view {
			view = r.View
		}
	}
	for e.st.results[e.st.contiguous+1] != nil {
		e.st.contiguous++
	}
	cpSeq := e.st.checkpointSeq
	e.mu.Unlock()

	e.view.Store(view)
	e.states.AdvanceWatermarks(cpSeq)
	e.metrics.SetCurrentView(view)

	e.logger.Info("recovered decision history",
		zap.Int("results", len(results)),
		zap.Uint64("checkpoint", cpSeq),
		zap.Uint64("view", view))
	return nil
}

// Stop halts timers and the stream queue. Waiters return ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.done)
		e.vcm.Stop()

		e.mu.Lock()
		for _, p := range e.st.pending {
			if p.timer != nil {
				p.timer.Stop()
			}
		}
		e.mu.Unlock()

		e.emitter.close()
		e.logger.Info("engine stopped")
	})
}

// SubmitProposal hands a proposal to the cluster. It is relayed to every
// replica; the primary orders it.
func (e *Engine) SubmitProposal(p *types.ConsensusProposal) (SequenceHandle, error) {
	if p == nil || p.ProposalID == "" {
		return SequenceHandle{}, ErrInvalidProposal
	}
	if e.stopped.Load() {
		return SequenceHandle{}, ErrStopped
	}
	roster := e.roster.Load()
	if !roster.Ready() {
		return SequenceHandle{}, &RosterNotReadyError{Have: roster.Size(), Need: 3*roster.F() + 1}
	}

	e.mu.Lock()
	if e.st.halted != nil {
		alarm := e.st.halted
		e.mu.Unlock()
		return SequenceHandle{}, alarm
	}
	if r, ok := e.st.byProposal[p.ProposalID]; ok {
		e.mu.Unlock()
		return SequenceHandle{}, &DuplicateProposalError{ProposalID: p.ProposalID, Sequence: r.Sequence}
	}
	if pp, ok := e.st.pending[p.ProposalID]; ok {
		e.mu.Unlock()
		return SequenceHandle{}, &DuplicateProposalError{ProposalID: p.ProposalID, Sequence: pp.seq}
	}
	e.trackLocked(p, true)
	inFlight := len(e.st.pending)
	e.mu.Unlock()

	e.metrics.SetInFlight(inFlight)
	e.logger.Info("proposal submitted",
		zap.String("proposal_id", p.ProposalID),
		zap.String("incident_id", p.IncidentID))

	if e.transport != nil {
		if err := e.transport.Relay(p); err != nil {
			e.transportFailed("relay", err)
		}
	}
	e.propose(p.ProposalID)

	e.mu.Lock()
	handle := SequenceHandle{ProposalID: p.ProposalID}
	if pp, ok := e.st.pending[p.ProposalID]; ok {
		handle.Sequence = pp.seq
	} else if r, ok := e.st.byProposal[p.ProposalID]; ok {
		handle.Sequence = r.Sequence
	}
	e.mu.Unlock()
	return handle, nil
}

// HandleProposal accepts a proposal relayed by another replica.
func (e *Engine) HandleProposal(p *types.ConsensusProposal) {
	if p == nil || p.ProposalID == "" || e.stopped.Load() {
		return
	}
	e.mu.Lock()
	_, decided := e.st.byProposal[p.ProposalID]
	_, pending := e.st.pending[p.ProposalID]
	if decided || pending || e.st.halted != nil {
		e.mu.Unlock()
		return
	}
	e.trackLocked(p, false)
	inFlight := len(e.st.pending)
	e.mu.Unlock()

	e.metrics.SetInFlight(inFlight)
	e.propose(p.ProposalID)
}

// trackLocked registers a pending proposal and arms its primary timer.
func (e *Engine) trackLocked(p *types.ConsensusProposal, local bool) *pendingProposal {
	pp := &pendingProposal{
		proposal:   p,
		digest:     p.Digest(),
		local:      local,
		acceptedAt: time.Now(),
	}
	e.st.pending[p.ProposalID] = pp
	e.armLocked(pp, e.config.PrimaryTimeout)
	return pp
}

// armLocked (re)starts the progress timer of a pending proposal for the
// current view.
func (e *Engine) armLocked(pp *pendingProposal, d time.Duration) {
	if pp.timer != nil {
		pp.timer.Stop()
	}
	if e.stopped.Load() {
		return
	}
	id := pp.proposal.ProposalID
	view := e.view.Load()
	pp.timer = time.AfterFunc(d, func() { e.onProgressTimeout(id, view) })
}

func (e *Engine) onProgressTimeout(proposalID string, view uint64) {
	e.mu.Lock()
	pp, ok := e.st.pending[proposalID]
	halted := e.st.halted != nil
	var seq uint64
	if ok {
		seq = pp.seq
	}
	e.mu.Unlock()

	if !ok || halted || e.stopped.Load() {
		return
	}
	if e.view.Load() != view || e.viewChanging.Load() {
		return
	}
	reason := "primary timeout"
	if seq != 0 {
		reason = "phase timeout"
	}
	e.logger.Warn("proposal made no progress",
		zap.String("proposal_id", proposalID),
		zap.Uint64("view", view),
		zap.Uint64("seq", seq),
		zap.String("reason", reason))
	e.startViewChange(view+1, reason)
}

// AwaitResult blocks until the proposal finishes, timeout elapses or ctx is
// done. On timeout it returns a TimedOut result and consensus continues; the
// real result stays retrievable through ResultBySequence.
func (e *Engine) AwaitResult(ctx context.Context, handle SequenceHandle, timeout time.Duration) (*types.ConsensusResult, error) {
	e.mu.Lock()
	if r, ok := e.st.byProposal[handle.ProposalID]; ok {
		e.mu.Unlock()
		return r, nil
	}
	if _, ok := e.st.pending[handle.ProposalID]; !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle.ProposalID)
	}
	ch := make(chan *types.ConsensusResult, 1)
	e.st.waiters[handle.ProposalID] = append(e.st.waiters[handle.ProposalID], ch)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		e.dropWaiter(handle.ProposalID, ch)
		return e.timedOut(handle), nil
	case <-ctx.Done():
		e.dropWaiter(handle.ProposalID, ch)
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrStopped
	}
}

func (e *Engine) dropWaiter(proposalID string, ch chan *types.ConsensusResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ws := e.st.waiters[proposalID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(e.st.waiters, proposalID)
	} else {
		e.st.waiters[proposalID] = ws
	}
}

func (e *Engine) timedOut(handle SequenceHandle) *types.ConsensusResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &types.ConsensusResult{
		Sequence:   handle.Sequence,
		View:       e.view.Load(),
		ProposalID: handle.ProposalID,
		DecidedAt:  time.Now().UTC(),
		Outcome:    types.OutcomeTimedOut,
	}
	if pp, ok := e.st.pending[handle.ProposalID]; ok {
		r.Sequence = pp.seq
		r.IncidentID = pp.proposal.IncidentID
		r.Digest = pp.digest
	}
	return r
}

// ResultBySequence returns the terminal result of a sequence.
func (e *Engine) ResultBySequence(seq uint64) (*types.ConsensusResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.results[seq]
	return r, ok
}

// ResultByProposal returns the terminal result of a proposal.
func (e *Engine) ResultByProposal(proposalID string) (*types.ConsensusResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.st.byProposal[proposalID]
	return r, ok
}

// Results returns the decision history in sequence order.
func (e *Engine) Results() []*types.ConsensusResult {
	e.mu.Lock()
	out := make([]*types.ConsensusResult, 0, len(e.st.results))
	for _, r := range e.st.results {
		out = append(out, r)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Subscribe returns a channel receiving every result from now on. Slow
// subscribers miss results rather than block consensus.
func (e *Engine) Subscribe(buffer int) (<-chan *types.ConsensusResult, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.ConsensusResult, buffer)

	e.mu.Lock()
	id := e.st.nextSubID
	e.st.nextSubID++
	e.st.subscribers[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.st.subscribers, id)
			e.mu.Unlock()
		})
	}
}

// CurrentView returns the installed view.
func (e *Engine) CurrentView() uint64 {
	return e.view.Load()
}

// ViewChanging reports whether a view change is running.
func (e *Engine) ViewChanging() bool {
	return e.viewChanging.Load()
}

// Primary returns the primary of the installed view.
func (e *Engine) Primary() string {
	return e.roster.Load().PrimaryFor(e.view.Load())
}

// IsPrimary reports whether this node leads the installed view.
func (e *Engine) IsPrimary() bool {
	return e.Primary() == e.config.NodeID
}

// NodeID returns the local replica id.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// Roster returns the ordered roster with roles for the installed view.
func (e *Engine) Roster() []types.Node {
	return e.roster.Load().Nodes(e.view.Load(), e.config.SuspicionDecay)
}

// FaultyNodes returns the replicas currently suspected of faulty behaviour.
func (e *Engine) FaultyNodes() []string {
	return e.roster.Load().Suspected(e.config.SuspicionDecay)
}

// ResetFaultyNode clears the suspicion flag of a replica.
func (e *Engine) ResetFaultyNode(id string) error {
	if !e.roster.Load().ClearSuspected(id) {
		return fmt.Errorf("pbft: unknown node %q", id)
	}
	e.logger.Info("faulty flag cleared", zap.String("node", id))
	return nil
}

// Evidence returns the conflicting votes recorded so far.
func (e *Engine) Evidence() []Evidence {
	return e.log.Evidence()
}

// Alarms delivers liveness alarms.
func (e *Engine) Alarms() <-chan *LivenessAlarm {
	return e.alarms
}

// Halted returns the alarm that halted the engine, if any.
func (e *Engine) Halted() *LivenessAlarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.halted
}

// UpdateRoster replaces the roster. This is the operator path out of a
// liveness halt.
func (e *Engine) UpdateRoster(nodes []types.Node) error {
	r, err := NewRoster(nodes, e.config.F)
	if err != nil {
		return err
	}
	if !r.Contains(e.config.NodeID) {
		return &ConfigurationError{Field: "roster", Reason: fmt.Sprintf("%q is not in the new roster", e.config.NodeID)}
	}
	e.roster.Store(r)
	e.vcm.Reset()
	e.viewChanging.Store(false)

	e.mu.Lock()
	wasHalted := e.st.halted != nil
	e.st.halted = nil
	for _, pp := range e.st.pending {
		d := e.config.PrimaryTimeout
		if pp.seq != 0 {
			d = e.config.PhaseTimeout
		}
		e.armLocked(pp, d)
	}
	e.mu.Unlock()

	e.logger.Info("roster updated",
		zap.Int("roster_size", r.Size()),
		zap.Bool("was_halted", wasHalted),
		zap.String("primary", e.Primary()))
	return nil
}
