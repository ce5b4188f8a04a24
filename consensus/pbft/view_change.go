package pbft

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// ViewChangeManager tracks the running view change and its escalating timer.
type ViewChangeManager struct {
	mu sync.Mutex

	nodeID      string
	timeout     time.Duration
	maxAttempts int

	inProgress bool
	target     uint64
	attempts   int
	timer      *time.Timer

	// views for which this node already broadcast NEW-VIEW
	newViewSent map[uint64]bool

	onTimeout   func(next uint64, attempt int)
	onExhausted func(target uint64, attempts int)
}

// NewViewChangeManager creates a new view change manager.
func NewViewChangeManager(nodeID string, timeout time.Duration, maxAttempts int) *ViewChangeManager {
	return &ViewChangeManager{
		nodeID:      nodeID,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		newViewSent: make(map[uint64]bool),
	}
}

// SetOnTimeout sets the callback used to escalate to the next view.
func (vcm *ViewChangeManager) SetOnTimeout(f func(next uint64, attempt int)) {
	vcm.onTimeout = f
}

// SetOnExhausted sets the callback run when attempts are used up.
func (vcm *ViewChangeManager) SetOnExhausted(f func(target uint64, attempts int)) {
	vcm.onExhausted = f
}

// Backoff returns the wait for the given attempt, starting at 1.
func (vcm *ViewChangeManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return vcm.timeout << uint(attempt-1)
}

// Begin starts a view change to target. It returns false when a change to
// the same or a later view is already running.
func (vcm *ViewChangeManager) Begin(target uint64) (attempt int, ok bool) {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()

	if vcm.inProgress && target <= vcm.target {
		return vcm.attempts, false
	}
	vcm.inProgress = true
	vcm.target = target
	vcm.attempts++
	attempt = vcm.attempts

	if vcm.timer != nil {
		vcm.timer.Stop()
	}
	vcm.timer = time.AfterFunc(vcm.Backoff(attempt), func() { vcm.expire(target) })
	return attempt, true
}

func (vcm *ViewChangeManager) expire(target uint64) {
	vcm.mu.Lock()
	if !vcm.inProgress || vcm.target != target {
		vcm.mu.Unlock()
		return
	}
	attempts := vcm.attempts
	exhausted := attempts >= vcm.maxAttempts
	if exhausted {
		vcm.inProgress = false
		vcm.timer = nil
	}
	onTimeout, onExhausted := vcm.onTimeout, vcm.onExhausted
	vcm.mu.Unlock()

	if exhausted {
		if onExhausted != nil {
			onExhausted(target, attempts)
		}
		return
	}
	if onTimeout != nil {
		onTimeout(target+1, attempts+1)
	}
}

// InProgress returns the running target view.
func (vcm *ViewChangeManager) InProgress() (target uint64, ok bool) {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()
	return vcm.target, vcm.inProgress
}

// Attempts returns the attempts made since the last installed view.
func (vcm *ViewChangeManager) Attempts() int {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()
	return vcm.attempts
}

// Complete stops the timer once view is installed.
func (vcm *ViewChangeManager) Complete(view uint64) {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()

	if vcm.timer != nil {
		vcm.timer.Stop()
		vcm.timer = nil
	}
	vcm.inProgress = false
	vcm.attempts = 0
	for v := range vcm.newViewSent {
		if v < view {
			delete(vcm.newViewSent, v)
		}
	}
}

// Reset clears all progress. Used after operator roster repair.
func (vcm *ViewChangeManager) Reset() {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()

	if vcm.timer != nil {
		vcm.timer.Stop()
		vcm.timer = nil
	}
	vcm.inProgress = false
	vcm.target = 0
	vcm.attempts = 0
}

// ClaimNewView reports whether this node should broadcast NEW-VIEW for view.
// It returns true at most once per view.
func (vcm *ViewChangeManager) ClaimNewView(view uint64) bool {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()
	if vcm.newViewSent[view] {
		return false
	}
	vcm.newViewSent[view] = true
	return true
}

// Stop halts the timer.
func (vcm *ViewChangeManager) Stop() {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()
	if vcm.timer != nil {
		vcm.timer.Stop()
		vcm.timer = nil
	}
}

// OEntry is one re-proposal of a NEW-VIEW. A nil Proposal is a null request.
type OEntry struct {
	Sequence uint64
	Digest   []byte
	Proposal *types.ConsensusProposal
}

// ComputeNewViewSet derives the re-proposals from a set of view-change votes.
// minS is the highest stable checkpoint at least f+1 votes vouch for, so a
// single lying replica cannot raise it. maxS is the highest prepared sequence.
// Each sequence in (minS, maxS] carries the prepared certificate with the
// highest view, gaps carry a null request.
func ComputeNewViewSet(votes []*ViewChangeBody, f int) (minS, maxS uint64, entries []OEntry, err error) {
	minS = vouchedStable(votes, f)
	maxS = minS

	best := make(map[uint64]*PreparedCert)
	for _, vc := range votes {
		for i := range vc.Prepared {
			cert := &vc.Prepared[i]
			if cert.Sequence <= minS {
				continue
			}
			if cert.Sequence > maxS {
				maxS = cert.Sequence
			}
			cur, ok := best[cert.Sequence]
			if !ok || cert.View > cur.View {
				best[cert.Sequence] = cert
				continue
			}
			if cert.View == cur.View && !bytes.Equal(cert.Digest, cur.Digest) {
				// Two valid quorums cannot prepare different digests in one view.
				return 0, 0, nil, fmt.Errorf("conflicting certificates for sequence %d in view %d", cert.Sequence, cert.View)
			}
		}
	}

	for seq := minS + 1; seq <= maxS; seq++ {
		cert, ok := best[seq]
		if !ok {
			entries = append(entries, OEntry{Sequence: seq, Digest: NullDigest})
			continue
		}
		e := OEntry{Sequence: seq, Digest: cert.Digest}
		if cert.PrePrepare != nil {
			if body, derr := cert.PrePrepare.Body(); derr == nil {
				e.Proposal = body.(*PrePrepareBody).Proposal
			}
		}
		entries = append(entries, e)
	}
	return minS, maxS, entries, nil
}

// vouchedStable returns the (f+1)-th highest LastStable among votes, or the
// lowest when there are fewer votes.
func vouchedStable(votes []*ViewChangeBody, f int) uint64 {
	if len(votes) == 0 {
		return 0
	}
	stable := make([]uint64, len(votes))
	for i, vc := range votes {
		stable[i] = vc.LastStable
	}
	sort.Slice(stable, func(i, j int) bool { return stable[i] > stable[j] })
	if f < 0 {
		f = 0
	}
	if f >= len(stable) {
		f = len(stable) - 1
	}
	return stable[f]
}

// certChecker validates view-change content against the roster.
type certChecker struct {
	roster   *Roster
	verifier Verifier
}

func (c certChecker) signed(msg *Message) bool {
	if msg == nil || !c.roster.Contains(msg.SenderID) {
		return false
	}
	return c.verifier == nil || c.verifier.Verify(msg)
}

// checkCert verifies that cert proves a prepare quorum below view.
func (c certChecker) checkCert(cert *PreparedCert, below uint64) error {
	pp := cert.PrePrepare
	switch {
	case cert.View >= below:
		return fmt.Errorf("certificate view %d not below %d", cert.View, below)
	case pp == nil:
		return fmt.Errorf("certificate for sequence %d has no pre-prepare", cert.Sequence)
	case pp.Type != PrePrepare || pp.View != cert.View || pp.Sequence != cert.Sequence:
		return fmt.Errorf("certificate pre-prepare does not match slot %d/%d", cert.View, cert.Sequence)
	case !bytes.Equal(pp.Digest, cert.Digest):
		return fmt.Errorf("certificate digest mismatch at sequence %d", cert.Sequence)
	case pp.SenderID != c.roster.PrimaryFor(cert.View):
		return fmt.Errorf("certificate pre-prepare from %s, not the primary of view %d", pp.SenderID, cert.View)
	case !c.signed(pp):
		return fmt.Errorf("certificate pre-prepare signature invalid at sequence %d", cert.Sequence)
	}

	body, err := pp.Body()
	if err != nil {
		return err
	}
	if !bytes.Equal(proposalDigest(body.(*PrePrepareBody).Proposal), cert.Digest) {
		return fmt.Errorf("certificate proposal does not hash to digest at sequence %d", cert.Sequence)
	}

	seen := make(map[string]struct{}, len(cert.Prepares))
	for _, p := range cert.Prepares {
		if p == nil || p.Type != Prepare || p.View != cert.View || p.Sequence != cert.Sequence ||
			!bytes.Equal(p.Digest, cert.Digest) {
			continue
		}
		if _, dup := seen[p.SenderID]; dup || !c.signed(p) {
			continue
		}
		seen[p.SenderID] = struct{}{}
	}
	if !HasQuorum(len(seen), c.roster.Size()) {
		return fmt.Errorf("certificate for sequence %d has %d valid prepares", cert.Sequence, len(seen))
	}
	return nil
}

// checkViewChange validates a VIEW-CHANGE message and returns its body.
func (c certChecker) checkViewChange(msg *Message) (*ViewChangeBody, error) {
	b, err := msg.Body()
	if err != nil {
		return nil, err
	}
	body := b.(*ViewChangeBody)
	if body.NewView != msg.View {
		return nil, fmt.Errorf("view-change body targets view %d, header %d", body.NewView, msg.View)
	}
	if !bytes.Equal(msg.Digest, payloadDigest(msg.Payload)) {
		return nil, fmt.Errorf("view-change digest mismatch")
	}
	// Certificates below the claimed checkpoint are checked too: the claim
	// itself is unproven and may be discounted by ComputeNewViewSet.
	for i := range body.Prepared {
		cert := &body.Prepared[i]
		if err := c.checkCert(cert, msg.View); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// checkNewView validates a NEW-VIEW message. It returns the re-proposals in
// sequence order and the highest prepared sequence.
func (c certChecker) checkNewView(msg *Message) (*NewViewBody, []OEntry, uint64, error) {
	if msg.SenderID != c.roster.PrimaryFor(msg.View) {
		return nil, nil, 0, fmt.Errorf("new-view from %s, primary of view %d is %s",
			msg.SenderID, msg.View, c.roster.PrimaryFor(msg.View))
	}
	if !bytes.Equal(msg.Digest, payloadDigest(msg.Payload)) {
		return nil, nil, 0, fmt.Errorf("new-view digest mismatch")
	}
	b, err := msg.Body()
	if err != nil {
		return nil, nil, 0, err
	}
	body := b.(*NewViewBody)

	seen := make(map[string]struct{})
	votes := make([]*ViewChangeBody, 0, len(body.ViewChanges))
	for _, vc := range body.ViewChanges {
		if vc == nil || vc.Type != ViewChange || vc.View != msg.View {
			return nil, nil, 0, fmt.Errorf("new-view carries a foreign view-change")
		}
		if _, dup := seen[vc.SenderID]; dup {
			return nil, nil, 0, fmt.Errorf("new-view carries two view-changes from %s", vc.SenderID)
		}
		if !c.signed(vc) {
			return nil, nil, 0, fmt.Errorf("new-view carries an unsigned view-change from %s", vc.SenderID)
		}
		vb, err := c.checkViewChange(vc)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("view-change from %s: %w", vc.SenderID, err)
		}
		seen[vc.SenderID] = struct{}{}
		votes = append(votes, vb)
	}
	if !HasQuorum(len(votes), c.roster.Size()) {
		return nil, nil, 0, fmt.Errorf("new-view carries %d view-changes", len(votes))
	}

	_, maxS, want, err := ComputeNewViewSet(votes, FaultTolerance(c.roster.Size()))
	if err != nil {
		return nil, nil, 0, err
	}
	if len(want) != len(body.PrePrepares) {
		return nil, nil, 0, fmt.Errorf("new-view re-proposes %d sequences, expected %d", len(body.PrePrepares), len(want))
	}
	pps := append([]*Message(nil), body.PrePrepares...)
	sort.Slice(pps, func(i, j int) bool { return pps[i].Sequence < pps[j].Sequence })
	for i, pp := range pps {
		e := want[i]
		if pp == nil || pp.Type != PrePrepare || pp.View != msg.View || pp.SenderID != msg.SenderID ||
			pp.Sequence != e.Sequence || !bytes.Equal(pp.Digest, e.Digest) {
			return nil, nil, 0, fmt.Errorf("new-view pre-prepare mismatch at sequence %d", e.Sequence)
		}
		if !c.signed(pp) {
			return nil, nil, 0, fmt.Errorf("new-view pre-prepare unsigned at sequence %d", e.Sequence)
		}
	}
	body.PrePrepares = pps
	return body, want, maxS, nil
}
