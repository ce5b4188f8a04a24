package pbft

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// HandleMessage validates an inbound message and drives the protocol. It is
// safe for concurrent use. Invalid messages are dropped and counted.
func (e *Engine) HandleMessage(msg *Message) {
	if msg == nil {
		return
	}
	startTime := time.Now()
	if reason := e.screen(msg); reason != "" {
		e.dropped(msg, reason)
		return
	}
	e.metrics.IncrementMessagesReceived(msg.Type.String())

	switch msg.Type {
	case PrePrepare:
		e.handlePrePrepare(msg, false)
	case Prepare, Commit:
		e.handleVote(msg)
	case ViewChange:
		e.handleViewChange(msg)
	case NewView:
		e.handleNewView(msg)
	}
	e.metrics.RecordMessageProcessingTime(msg.Type.String(), time.Since(startTime))
}

// screen returns the drop reason for msg, or "" when it may be processed.
func (e *Engine) screen(msg *Message) string {
	if e.stopped.Load() {
		return "stopped"
	}
	if !msg.Type.Valid() {
		return "malformed"
	}
	if msg.SenderID == e.config.NodeID {
		return "self"
	}
	if !e.roster.Load().Contains(msg.SenderID) {
		return "unknown_sender"
	}

	view := e.view.Load()
	switch msg.Type {
	case PrePrepare, Prepare, Commit:
		if len(msg.Digest) == 0 {
			return "malformed"
		}
		if msg.View < view {
			return "stale_view"
		}
		if msg.View > view+e.config.MaxViewLookahead {
			return "future_view"
		}
		if !e.states.IsInWindow(msg.Sequence) {
			return "out_of_window"
		}
	case ViewChange, NewView:
		if msg.View <= view {
			return "stale_view"
		}
		if msg.View > view+e.config.MaxViewLookahead+uint64(e.config.MaxViewChangeAttempts) {
			return "future_view"
		}
	}

	if e.verifier != nil && !e.verifier.Verify(msg) {
		return "bad_signature"
	}
	return ""
}

func (e *Engine) dropped(msg *Message, reason string) {
	e.metrics.IncrementMessagesDropped(reason)
	e.logger.Debug("message dropped",
		zap.String("type", msg.Type.String()),
		zap.String("sender", msg.SenderID),
		zap.Uint64("view", msg.View),
		zap.Uint64("seq", msg.Sequence),
		zap.String("reason", reason))
}

// propose orders a pending proposal when this node is the primary.
func (e *Engine) propose(proposalID string) {
	e.viewMu.RLock()
	view := e.view.Load()
	if e.viewChanging.Load() || e.roster.Load().PrimaryFor(view) != e.config.NodeID {
		e.viewMu.RUnlock()
		return
	}

	e.mu.Lock()
	pp, ok := e.st.pending[proposalID]
	if !ok || pp.seq != 0 || e.st.halted != nil {
		e.mu.Unlock()
		e.viewMu.RUnlock()
		return
	}
	seq := e.st.nextSeq + 1
	if !e.states.IsInWindow(seq) {
		e.mu.Unlock()
		e.viewMu.RUnlock()
		e.logger.Debug("sequence window full, proposal waits for a checkpoint",
			zap.String("proposal_id", proposalID), zap.Uint64("seq", seq))
		return
	}
	e.st.nextSeq = seq
	pp.seq = seq
	pp.view = view
	proposal, digest := pp.proposal, pp.digest
	e.mu.Unlock()

	st := e.states.Get(seq)
	if !st.Assign(view, proposal, digest) {
		e.viewMu.RUnlock()
		e.logger.Warn("sequence slot already in use", zap.Uint64("seq", seq))
		e.mu.Lock()
		if pp.seq == seq {
			pp.seq = 0
		}
		e.mu.Unlock()
		return
	}
	msg := e.newMessage(PrePrepare, view, seq, digest, &PrePrepareBody{Proposal: proposal})
	e.viewMu.RUnlock()
	if msg == nil {
		return
	}

	e.metrics.StartConsensusRound(seq)
	e.logger.Info("primary broadcast PRE-PREPARE",
		zap.Uint64("view", view),
		zap.Uint64("seq", seq),
		zap.String("proposal_id", proposalID),
		zap.String("digest", types.ShortHex(digest)))
	e.emitPhase(view, seq, PhasePrePrepare, digest)
	e.broadcast(msg)
	e.handlePrePrepare(msg, false)
}

// assignPending orders every unassigned pending proposal, oldest first.
func (e *Engine) assignPending() {
	if !e.IsPrimary() {
		return
	}
	e.mu.Lock()
	var waiting []*pendingProposal
	for _, pp := range e.st.pending {
		if pp.seq == 0 {
			waiting = append(waiting, pp)
		}
	}
	e.mu.Unlock()

	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].acceptedAt.Equal(waiting[j].acceptedAt) {
			return waiting[i].acceptedAt.Before(waiting[j].acceptedAt)
		}
		return waiting[i].proposal.ProposalID < waiting[j].proposal.ProposalID
	})
	for _, pp := range waiting {
		e.propose(pp.proposal.ProposalID)
	}
}

// handlePrePrepare accepts the primary's binding of a proposal to a
// sequence. fromNewView marks re-proposals carried by a verified NEW-VIEW,
// the only place a null request is legal.
func (e *Engine) handlePrePrepare(msg *Message, fromNewView bool) {
	view := e.view.Load()
	if msg.View > view {
		e.bufferFuture(msg)
		return
	}
	if msg.View < view {
		e.dropped(msg, "stale_view")
		return
	}
	if !e.states.IsInWindow(msg.Sequence) {
		e.dropped(msg, "out_of_window")
		return
	}
	if msg.SenderID != e.roster.Load().PrimaryFor(msg.View) {
		e.dropped(msg, "not_primary")
		return
	}

	b, err := msg.Body()
	if err != nil {
		e.dropped(msg, "malformed")
		e.primaryMisbehaved(msg.View, msg.SenderID, msg.Sequence, "malformed_pre_prepare")
		return
	}
	proposal := b.(*PrePrepareBody).Proposal
	if proposal == nil && !fromNewView {
		e.dropped(msg, "unexpected_null")
		return
	}
	if !bytes.Equal(proposalDigest(proposal), msg.Digest) {
		e.dropped(msg, "bad_digest")
		e.primaryMisbehaved(msg.View, msg.SenderID, msg.Sequence, "bad_digest")
		return
	}

	res, ev := e.log.Record(msg)
	switch res {
	case Duplicate:
		return
	case Conflicting:
		e.onEquivocation(ev)
		return
	}

	e.viewMu.RLock()
	if e.viewChanging.Load() || e.view.Load() != msg.View {
		e.viewMu.RUnlock()
		e.dropped(msg, "view_changing")
		return
	}
	st := e.states.Get(msg.Sequence)
	outcome := st.OnPrePrepare(msg, proposal)
	var prepare *Message
	if outcome == PrePrepareAccepted {
		prepare = e.newMessage(Prepare, msg.View, msg.Sequence, msg.Digest, nil)
	}
	e.viewMu.RUnlock()

	switch outcome {
	case PrePrepareAccepted:
	case PrePrepareConflict:
		e.primaryMisbehaved(msg.View, msg.SenderID, msg.Sequence, "conflicting_pre_prepare")
		return
	default:
		return
	}

	e.orphans.Remove(orphanKey{view: msg.View, seq: msg.Sequence})
	e.notePrePrepared(proposal, msg)
	e.emitPhase(msg.View, msg.Sequence, PhasePrepare, msg.Digest)
	e.logger.Debug("accepted PRE-PREPARE",
		zap.Uint64("view", msg.View),
		zap.Uint64("seq", msg.Sequence),
		zap.String("digest", types.ShortHex(msg.Digest)))

	e.castVote(prepare)
	e.evaluate(st, msg.View)
}

// notePrePrepared links the pending proposal to its sequence and switches
// its timer to the phase timeout.
func (e *Engine) notePrePrepared(proposal *types.ConsensusProposal, msg *Message) {
	e.metrics.StartConsensusRound(msg.Sequence)

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Sequence > e.st.nextSeq {
		e.st.nextSeq = msg.Sequence
	}
	if proposal == nil || e.st.halted != nil {
		return
	}
	if _, done := e.st.byProposal[proposal.ProposalID]; done {
		return
	}
	pp, ok := e.st.pending[proposal.ProposalID]
	if !ok {
		pp = e.trackLocked(proposal, false)
	}
	pp.seq = msg.Sequence
	pp.view = msg.View
	e.armLocked(pp, e.config.PhaseTimeout)
}

func (e *Engine) bufferFuture(msg *Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.future[msg.View] = append(e.st.future[msg.View], msg)
}

// handleVote records a PREPARE or COMMIT and re-evaluates its sequence.
// Votes that arrive before their pre-prepare stay in the log until the
// buffer TTL expires.
func (e *Engine) handleVote(msg *Message) {
	res, ev := e.log.Record(msg)
	switch res {
	case Duplicate:
		return
	case Conflicting:
		e.onEquivocation(ev)
	}

	if msg.View > e.view.Load() {
		return
	}
	st := e.states.Existing(msg.Sequence)
	if st == nil || !st.HasPrePrepare(msg.View) {
		key := orphanKey{view: msg.View, seq: msg.Sequence}
		if !e.orphans.Contains(key) {
			e.orphans.Add(key, time.Now())
		}
		return
	}
	e.evaluate(st, msg.View)
}

// sweepOrphans evicts orphan slots older than the buffer TTL until Stop.
func (e *Engine) sweepOrphans() {
	ttl := e.config.bufferTTL()
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.expireOrphans(now.Add(-ttl))
		}
	}
}

// expireOrphans removes slots first seen before cutoff. Keys come oldest first.
func (e *Engine) expireOrphans(cutoff time.Time) int {
	n := 0
	for _, key := range e.orphans.Keys() {
		seen, ok := e.orphans.Peek(key)
		if !ok {
			continue
		}
		if seen.After(cutoff) {
			break
		}
		e.orphans.Remove(key)
		n++
	}
	return n
}

// onOrphanExpired runs when a slot leaves the orphan cache, by age, by
// capacity or because its pre-prepare arrived.
func (e *Engine) onOrphanExpired(key orphanKey, _ time.Time) {
	if st := e.states.Existing(key.seq); st != nil && st.HasPrePrepare(key.view) {
		return
	}
	if n := e.log.DropSlot(key.view, key.seq); n > 0 {
		e.metrics.IncrementMessagesDropped("buffer_expired")
		e.logger.Debug("discarded votes without pre-prepare",
			zap.Uint64("view", key.view), zap.Uint64("seq", key.seq), zap.Int("votes", n))
	}
}

// evaluate applies the vote counts of view to st until it stops moving.
func (e *Engine) evaluate(st *State, view uint64) {
	n := e.roster.Load().Size()
	for {
		_, _, digest, _ := st.Snapshot()
		if digest == nil {
			return
		}
		prepares := e.log.CountMatching(view, st.Sequence, Prepare, digest)
		commits := e.log.CountMatching(view, st.Sequence, Commit, digest)

		e.viewMu.RLock()
		frozen := e.viewChanging.Load() || e.view.Load() != view
		step := st.Advance(view, prepares, commits, n, frozen)
		var commit *Message
		if step.SendCommit {
			commit = e.newMessage(Commit, view, st.Sequence, digest, nil)
		}
		e.viewMu.RUnlock()

		if step.SendCommit {
			e.emitPhase(view, st.Sequence, PhaseCommit, digest)
			e.castVote(commit)
		}
		if step.Decide {
			e.decide(st, view, digest)
			return
		}
		if !step.SendCommit {
			return
		}
	}
}

// decide builds the result of a sequence that reached a commit quorum.
func (e *Engine) decide(st *State, view uint64, digest []byte) {
	_, _, _, proposal := st.Snapshot()
	r := &types.ConsensusResult{
		Sequence:           st.Sequence,
		View:               view,
		Digest:             digest,
		DecidedAt:          time.Now().UTC(),
		ParticipatingNodes: e.log.Senders(view, st.Sequence, Commit, digest),
		Outcome:            types.OutcomeDecided,
	}
	if proposal != nil {
		r.ProposalID = proposal.ProposalID
		r.IncidentID = proposal.IncidentID
		r.DecidedValue = append([]byte(nil), proposal.Action...)
	} else {
		// null request filling a gap left by a view change
		r.Outcome = types.OutcomeAborted
	}
	st.SetResult(r)
	e.emitPhase(view, st.Sequence, Decided, digest)
	e.finish(r)
}

// finish records a terminal result and notifies waiters, subscribers, the
// store and the stream.
func (e *Engine) finish(r *types.ConsensusResult) {
	e.mu.Lock()
	if _, ok := e.st.results[r.Sequence]; ok && r.Sequence != 0 {
		e.mu.Unlock()
		return
	}
	if r.Sequence != 0 {
		e.st.results[r.Sequence] = r
		if r.Sequence > e.st.nextSeq {
			e.st.nextSeq = r.Sequence
		}
	}
	var waiters []chan *types.ConsensusResult
	if r.ProposalID != "" {
		if pp, ok := e.st.pending[r.ProposalID]; ok {
			if pp.timer != nil {
				pp.timer.Stop()
			}
			delete(e.st.pending, r.ProposalID)
		}
		if prev, ok := e.st.byProposal[r.ProposalID]; ok {
			e.logger.Warn("proposal finished twice",
				zap.String("proposal_id", r.ProposalID),
				zap.Uint64("first_seq", prev.Sequence),
				zap.Uint64("seq", r.Sequence))
		} else {
			e.st.byProposal[r.ProposalID] = r
			waiters = e.st.waiters[r.ProposalID]
			delete(e.st.waiters, r.ProposalID)
		}
	}
	for e.st.results[e.st.contiguous+1] != nil {
		e.st.contiguous++
	}
	subs := make([]chan *types.ConsensusResult, 0, len(e.st.subscribers))
	for _, ch := range e.st.subscribers {
		subs = append(subs, ch)
	}
	inFlight := len(e.st.pending)
	contiguous := e.st.contiguous
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- r
	}
	for _, ch := range subs {
		select {
		case ch <- r:
		default:
			e.logger.Warn("subscriber too slow, result skipped", zap.Uint64("seq", r.Sequence))
		}
	}

	if e.store != nil && r.Sequence != 0 {
		if err := e.store.SaveResult(r); err != nil {
			e.logger.Error("failed to persist result", zap.Uint64("seq", r.Sequence), zap.Error(err))
		}
	}

	outcome := strings.ToLower(r.Outcome.String())
	e.metrics.EndConsensusRound(r.Sequence, outcome)
	e.metrics.SetSequenceHeight(contiguous)
	e.metrics.SetInFlight(inFlight)
	e.emitter.Emit(ChannelDecision, DecisionEvent{NodeID: e.config.NodeID, Result: r})
	e.logger.Info("sequence finished",
		zap.Uint64("view", r.View),
		zap.Uint64("seq", r.Sequence),
		zap.String("outcome", r.Outcome.String()),
		zap.String("proposal_id", r.ProposalID),
		zap.Strings("participants", r.ParticipatingNodes))

	if cp := contiguous / e.config.CheckpointInterval * e.config.CheckpointInterval; cp > 0 {
		e.checkpoint(cp)
	}
}

// checkpoint makes seq the stable checkpoint once every sequence up to it
// has a result: the window moves and older log entries are pruned.
func (e *Engine) checkpoint(seq uint64) {
	e.mu.Lock()
	if seq <= e.st.checkpointSeq {
		e.mu.Unlock()
		return
	}
	digest := e.st.checkpointDigest
	for s := e.st.checkpointSeq + 1; s <= seq; s++ {
		r := e.st.results[s]
		if r == nil {
			e.mu.Unlock()
			return
		}
		digest = types.ChainDigest(digest, r.Digest)
	}
	e.st.checkpointSeq = seq
	e.st.checkpointDigest = digest
	e.mu.Unlock()

	view := e.view.Load()
	e.states.AdvanceWatermarks(seq)
	pruned := e.log.Prune(seq, view)

	cp := &types.Checkpoint{
		View:      view,
		Sequence:  seq,
		Digest:    digest,
		Roster:    e.roster.Load().Snapshot(),
		CreatedAt: time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.SaveCheckpoint(cp); err != nil {
			e.logger.Error("failed to persist checkpoint", zap.Uint64("seq", seq), zap.Error(err))
		}
	}
	e.logger.Info("stable checkpoint",
		zap.Uint64("seq", seq),
		zap.String("digest", types.ShortHex(digest)),
		zap.Int("pruned", pruned))

	e.assignPending()
}

// newMessage creates and signs a message. It returns nil when signing fails.
func (e *Engine) newMessage(t MessageType, view, seq uint64, digest []byte, body Body) *Message {
	msg := NewMessage(t, view, seq, digest, e.config.NodeID)
	if body != nil {
		if err := msg.SetBody(body); err != nil {
			e.logger.Error("failed to encode message", zap.String("type", t.String()), zap.Error(err))
			return nil
		}
		if t == ViewChange || t == NewView {
			msg.Digest = payloadDigest(msg.Payload)
		}
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(msg.SignBytes())
		if err != nil {
			e.logger.Error("failed to sign message", zap.String("type", t.String()), zap.Error(err))
			return nil
		}
		msg.Signature = sig
	}
	return msg
}

// castVote records our own vote and sends it to the others.
func (e *Engine) castVote(msg *Message) {
	if msg == nil {
		return
	}
	e.log.Record(msg)
	e.broadcast(msg)
}

// broadcast sends msg outside of any lock. Failures are logged and counted;
// the protocol tolerates lost messages.
func (e *Engine) broadcast(msg *Message) {
	if e.transport == nil || msg == nil {
		return
	}
	if err := e.transport.Broadcast(msg); err != nil {
		e.transportFailed("broadcast", err)
		return
	}
	e.metrics.IncrementMessagesSent(msg.Type.String())
}

func (e *Engine) transportFailed(op string, err error) {
	terr := &TransportError{Op: op, Err: err}
	e.metrics.IncrementTransportErrors(op)
	e.logger.Warn("transport failure", zap.Error(terr))
}

func (e *Engine) emitPhase(view, seq uint64, phase Phase, digest []byte) {
	e.emitter.Emit(ChannelPhase, PhaseEvent{
		NodeID:   e.config.NodeID,
		View:     view,
		Sequence: seq,
		Phase:    phase.String(),
		Digest:   types.ShortHex(digest),
		At:       time.Now().UTC(),
	})
}

// reportFault flags suspect as faulty and publishes the reason.
func (e *Engine) reportFault(suspect, kind string, view, seq uint64) {
	e.reportFaultFor(suspect, kind, view, seq, 0)
}

// reportFaultFor is reportFault with a flag that lapses after ttl. A zero
// ttl uses SuspicionDecay.
func (e *Engine) reportFaultFor(suspect, kind string, view, seq uint64, ttl time.Duration) {
	if suspect == e.config.NodeID {
		return
	}
	var first bool
	if ttl > 0 {
		first = e.roster.Load().MarkSuspectedFor(suspect, ttl)
	} else {
		first = e.roster.Load().MarkSuspected(suspect)
	}
	e.metrics.IncrementEvidence(kind)
	e.emitter.Emit(ChannelFault, FaultEvent{
		NodeID:   e.config.NodeID,
		Suspect:  suspect,
		Kind:     kind,
		View:     view,
		Sequence: seq,
		At:       time.Now().UTC(),
	})
	e.logger.Warn("faulty behaviour detected",
		zap.String("suspect", suspect),
		zap.String("kind", kind),
		zap.Uint64("view", view),
		zap.Uint64("seq", seq),
		zap.Bool("newly_flagged", first))
}

// onEquivocation handles a sender that voted twice for one key.
func (e *Engine) onEquivocation(ev *Evidence) {
	if ev == nil {
		return
	}
	kind := "conflicting_" + strings.ToLower(strings.ReplaceAll(ev.Type.String(), "-", "_"))
	if ev.Type == PrePrepare {
		e.primaryMisbehaved(ev.View, ev.Sender, ev.Sequence, kind)
		return
	}
	e.reportFault(ev.Sender, kind, ev.View, ev.Sequence)
}

// primaryMisbehaved flags the primary and, when it leads the installed
// view, starts a view change.
func (e *Engine) primaryMisbehaved(view uint64, primary string, seq uint64, kind string) {
	e.reportFault(primary, kind, view, seq)
	if view == e.view.Load() && primary == e.roster.Load().PrimaryFor(view) {
		e.startViewChange(view+1, "primary misbehaviour: "+kind)
	}
}
