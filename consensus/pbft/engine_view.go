package pbft

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// startViewChange freezes the normal case and votes to move to target.
func (e *Engine) startViewChange(target uint64, reason string) {
	if e.stopped.Load() || e.Halted() != nil || target <= e.view.Load() {
		return
	}
	attempt, ok := e.vcm.Begin(target)
	if !ok {
		return
	}

	e.viewMu.Lock()
	from := e.view.Load()
	if target <= from {
		e.viewMu.Unlock()
		e.vcm.Complete(from)
		return
	}
	e.viewChanging.Store(true)
	low, _ := e.states.Watermarks()
	live := e.states.Above(low)
	for _, st := range live {
		st.Freeze()
	}
	e.viewMu.Unlock()

	e.mu.Lock()
	for _, pp := range e.st.pending {
		if pp.timer != nil {
			pp.timer.Stop()
		}
	}
	e.mu.Unlock()

	e.logger.Warn("starting view change",
		zap.Uint64("from_view", from),
		zap.Uint64("to_view", target),
		zap.Int("attempt", attempt),
		zap.String("reason", reason))
	e.emitter.Emit(ChannelViewChange, ViewChangeEvent{
		NodeID:   e.config.NodeID,
		FromView: from,
		ToView:   target,
		Stage:    "started",
		Reason:   reason,
		Attempt:  attempt,
		At:       time.Now().UTC(),
	})

	vc := e.buildViewChange(target, low, live)
	if vc == nil {
		return
	}
	e.log.Record(vc)
	e.broadcast(vc)
	e.afterViewChangeVote(target)
}

// buildViewChange collects a prepared certificate for every live sequence
// that gathered a prepare quorum.
func (e *Engine) buildViewChange(target, low uint64, live []*State) *Message {
	n := e.roster.Load().Size()
	body := &ViewChangeBody{NewView: target, LastStable: low}
	for _, st := range live {
		view, digest, pp, ok := st.PreparedIn()
		if !ok || pp == nil {
			continue
		}
		prepares := e.log.Matching(view, st.Sequence, Prepare, digest)
		if !HasQuorum(len(prepares), n) {
			continue
		}
		body.Prepared = append(body.Prepared, PreparedCert{
			View:       view,
			Sequence:   st.Sequence,
			Digest:     digest,
			PrePrepare: pp,
			Prepares:   prepares,
		})
	}
	return e.newMessage(ViewChange, target, 0, nil, body)
}

func (e *Engine) handleViewChange(msg *Message) {
	checker := certChecker{roster: e.roster.Load(), verifier: e.verifier}
	if _, err := checker.checkViewChange(msg); err != nil {
		e.dropped(msg, "invalid_view_change")
		e.logger.Warn("invalid VIEW-CHANGE", zap.String("sender", msg.SenderID), zap.Error(err))
		e.reportFault(msg.SenderID, "invalid_view_change", msg.View, 0)
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
	e.afterViewChangeVote(msg.View)
}

// afterViewChangeVote joins a view change backed by f+1 replicas and, on the
// new primary, answers a 2f+1 quorum with NEW-VIEW.
func (e *Engine) afterViewChangeVote(target uint64) {
	if target <= e.view.Load() {
		return
	}
	roster := e.roster.Load()
	n := roster.Size()
	votes := e.log.CountSenders(target, 0, ViewChange)

	if HasWeakQuorum(votes, n) {
		if cur, ok := e.vcm.InProgress(); !ok || cur < target {
			e.startViewChange(target, "joined view change")
		}
	}

	if roster.PrimaryFor(target) != e.config.NodeID || !HasQuorum(votes, n) {
		return
	}
	if _, voted := e.log.Get(target, 0, ViewChange, e.config.NodeID); !voted {
		return
	}
	if e.vcm.ClaimNewView(target) {
		e.sendNewView(target)
	}
}

// sendNewView broadcasts the NEW-VIEW of target and installs it locally.
func (e *Engine) sendNewView(target uint64) {
	vcs := e.log.Messages(target, 0, ViewChange)
	votes := make([]*ViewChangeBody, 0, len(vcs))
	for _, vc := range vcs {
		b, err := vc.Body()
		if err != nil {
			continue
		}
		votes = append(votes, b.(*ViewChangeBody))
	}

	_, maxS, entries, err := ComputeNewViewSet(votes, FaultTolerance(e.roster.Load().Size()))
	if err != nil {
		e.logger.Error("cannot compute NEW-VIEW", zap.Uint64("view", target), zap.Error(err))
		return
	}

	pps := make([]*Message, 0, len(entries))
	for _, en := range entries {
		pp := e.newMessage(PrePrepare, target, en.Sequence, en.Digest, &PrePrepareBody{Proposal: en.Proposal})
		if pp == nil {
			return
		}
		pps = append(pps, pp)
	}
	nv := e.newMessage(NewView, target, 0, nil, &NewViewBody{ViewChanges: vcs, PrePrepares: pps})
	if nv == nil {
		return
	}

	e.logger.Info("broadcasting NEW-VIEW",
		zap.Uint64("view", target),
		zap.Int("view_changes", len(vcs)),
		zap.Int("reproposals", len(pps)))
	e.log.Record(nv)
	e.broadcast(nv)
	e.installView(target, pps, entries, maxS)
}

func (e *Engine) handleNewView(msg *Message) {
	checker := certChecker{roster: e.roster.Load(), verifier: e.verifier}
	body, entries, maxS, err := checker.checkNewView(msg)
	if err != nil {
		e.dropped(msg, "invalid_new_view")
		e.logger.Warn("invalid NEW-VIEW", zap.String("sender", msg.SenderID), zap.Error(err))
		e.reportFault(msg.SenderID, "invalid_new_view", msg.View, 0)
		return
	}
	if msg.View <= e.view.Load() {
		return
	}
	if res, _ := e.log.Record(msg); res != Accepted {
		return
	}
	e.installView(msg.View, body.PrePrepares, entries, maxS)
}

// installView moves to view and replays the re-proposals of its NEW-VIEW.
func (e *Engine) installView(view uint64, pps []*Message, entries []OEntry, maxS uint64) {
	inO := make(map[uint64][]byte, len(entries))
	for _, en := range entries {
		inO[en.Sequence] = en.Digest
	}

	e.viewMu.Lock()
	from := e.view.Load()
	if view <= from {
		e.viewMu.Unlock()
		return
	}
	e.view.Store(view)
	e.viewChanging.Store(false)
	low, _ := e.states.Watermarks()
	for _, st := range e.states.Above(low) {
		if _, ok := inO[st.Sequence]; !ok {
			st.Reset(view)
		}
	}
	e.viewMu.Unlock()

	e.vcm.Complete(view)
	roster := e.roster.Load()
	primary := roster.PrimaryFor(view)
	// The primary this node waited on gets a short-lived flag. Proven
	// misbehaviour was already reported with the full decay.
	if deposed := roster.PrimaryFor(from); deposed != primary {
		ttl := e.config.UnresponsiveDecay
		if ttl <= 0 {
			ttl = e.config.SuspicionDecay
		}
		e.reportFaultFor(deposed, "unresponsive_primary", from, 0, ttl)
	}

	e.mu.Lock()
	for _, pp := range e.st.pending {
		if pp.seq == 0 {
			continue
		}
		if d, ok := inO[pp.seq]; !ok || !bytes.Equal(d, pp.digest) {
			pp.seq = 0
		}
	}
	next := maxS
	if e.st.checkpointSeq > next {
		next = e.st.checkpointSeq
	}
	for seq := range e.st.results {
		if seq > next {
			next = seq
		}
	}
	e.st.nextSeq = next

	future := e.st.future[view]
	for v := range e.st.future {
		if v <= view {
			delete(e.st.future, v)
		}
	}
	for _, pp := range e.st.pending {
		d := e.config.PrimaryTimeout
		if pp.seq != 0 {
			d = e.config.PhaseTimeout
		}
		e.armLocked(pp, d)
	}
	e.mu.Unlock()

	e.metrics.IncrementViewChanges()
	e.metrics.SetCurrentView(view)
	e.logger.Info("view installed",
		zap.Uint64("from_view", from),
		zap.Uint64("view", view),
		zap.String("primary", primary),
		zap.Int("reproposals", len(pps)))
	e.emitter.Emit(ChannelViewChange, ViewChangeEvent{
		NodeID:   e.config.NodeID,
		FromView: from,
		ToView:   view,
		Stage:    "installed",
		At:       time.Now().UTC(),
	})

	for _, pp := range pps {
		e.handlePrePrepare(pp, true)
	}
	for _, pp := range future {
		e.handlePrePrepare(pp, false)
	}
	e.assignPending()
}

// onLivenessFailure runs when view changes to target stopped converging. Every
// unfinished sequence and pending proposal is aborted and the engine refuses
// new proposals until the roster is repaired.
func (e *Engine) onLivenessFailure(target uint64, attempts int) {
	if e.stopped.Load() {
		return
	}

	low, _ := e.states.Watermarks()
	var aborted []*State
	var seqs []uint64
	for _, st := range e.states.Above(low) {
		if _, phase, _, _ := st.Snapshot(); !phase.Terminal() {
			aborted = append(aborted, st)
			seqs = append(seqs, st.Sequence)
		}
	}
	alarm := &LivenessAlarm{
		NodeID:   e.config.NodeID,
		View:     e.view.Load(),
		Target:   target,
		Attempts: attempts,
		Aborted:  seqs,
	}

	e.mu.Lock()
	if e.st.halted != nil {
		e.mu.Unlock()
		return
	}
	e.st.halted = alarm
	e.mu.Unlock()

	now := time.Now().UTC()
	bySeq := make(map[uint64]bool, len(aborted))
	for _, st := range aborted {
		if !st.Abort() {
			continue
		}
		view, _, digest, proposal := st.Snapshot()
		r := &types.ConsensusResult{
			Sequence:  st.Sequence,
			View:      view,
			Digest:    digest,
			DecidedAt: now,
			Outcome:   types.OutcomeAborted,
		}
		if proposal != nil {
			r.ProposalID = proposal.ProposalID
			r.IncidentID = proposal.IncidentID
		}
		st.SetResult(r)
		bySeq[st.Sequence] = true
		e.finish(r)
	}

	e.mu.Lock()
	var rest []*pendingProposal
	for _, pp := range e.st.pending {
		rest = append(rest, pp)
	}
	e.mu.Unlock()
	for _, pp := range rest {
		r := &types.ConsensusResult{
			View:       alarm.View,
			ProposalID: pp.proposal.ProposalID,
			IncidentID: pp.proposal.IncidentID,
			Digest:     pp.digest,
			DecidedAt:  now,
			Outcome:    types.OutcomeAborted,
		}
		if !bySeq[pp.seq] {
			r.Sequence = pp.seq
		}
		e.finish(r)
	}

	e.metrics.IncrementLivenessAlarms()
	e.emitter.Emit(ChannelLiveness, LivenessEvent{
		NodeID:   e.config.NodeID,
		View:     alarm.View,
		Attempts: attempts,
		Aborted:  seqs,
		At:       now,
	})
	e.logger.Error("view changes did not converge, engine halted",
		zap.Uint64("view", alarm.View),
		zap.Uint64("target", target),
		zap.Int("attempts", attempts),
		zap.Int("aborted", len(seqs)))

	select {
	case e.alarms <- alarm:
	default:
		e.logger.Warn("liveness alarm channel full")
	}
}
