package pbft

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ahwlsqja/pbft-remediation/crypto"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// signingRoster is a 4-replica roster whose members can all sign.
type signingRoster struct {
	t       *testing.T
	roster  *Roster
	keys    map[string]*crypto.KeyPair
	checker certChecker
}

func newSigningRoster(t *testing.T) *signingRoster {
	t.Helper()
	nodes := make([]types.Node, 4)
	keys := make(map[string]*crypto.KeyPair, len(nodes))
	for i := range nodes {
		id := fmt.Sprintf("node%d", i)
		keys[id] = crypto.KeyPairFromSecret([]byte(id))
		nodes[i] = types.Node{ID: id, PublicKey: keys[id].PublicKeyBytes()}
	}
	roster, err := NewRoster(nodes, 0)
	if err != nil {
		t.Fatal(err)
	}
	ring := crypto.NewKeyring("node0", keys["node0"])
	if err := ring.AddRoster(nodes); err != nil {
		t.Fatal(err)
	}
	return &signingRoster{
		t:       t,
		roster:  roster,
		keys:    keys,
		checker: certChecker{roster: roster, verifier: SignatureVerifier(ring)},
	}
}

func (s *signingRoster) sign(m *Message) *Message {
	s.t.Helper()
	sig, err := s.keys[m.SenderID].Sign(m.SignBytes())
	if err != nil {
		s.t.Fatal(err)
	}
	m.Signature = sig
	return m
}

// cert builds a prepared certificate for p at (view, seq) with prepares
// from voters.
func (s *signingRoster) cert(view, seq uint64, p *types.ConsensusProposal, voters ...string) PreparedCert {
	pp := s.sign(prePrepareFor(view, seq, p, s.roster.PrimaryFor(view)))
	prepares := make([]*Message, 0, len(voters))
	for _, id := range voters {
		prepares = append(prepares, s.sign(NewMessage(Prepare, view, seq, p.Digest(), id)))
	}
	return PreparedCert{View: view, Sequence: seq, Digest: p.Digest(), PrePrepare: pp, Prepares: prepares}
}

func (s *signingRoster) viewChange(sender string, body *ViewChangeBody) *Message {
	s.t.Helper()
	m := NewMessage(ViewChange, body.NewView, 0, nil, sender)
	if err := m.SetBody(body); err != nil {
		s.t.Fatal(err)
	}
	m.Digest = payloadDigest(m.Payload)
	return s.sign(m)
}

func (s *signingRoster) newView(sender string, view uint64, vcs []*Message, entries []OEntry) *Message {
	s.t.Helper()
	pps := make([]*Message, 0, len(entries))
	for _, en := range entries {
		pp := NewMessage(PrePrepare, view, en.Sequence, en.Digest, sender)
		if err := pp.SetBody(&PrePrepareBody{Proposal: en.Proposal}); err != nil {
			s.t.Fatal(err)
		}
		pps = append(pps, s.sign(pp))
	}
	nv := NewMessage(NewView, view, 0, nil, sender)
	if err := nv.SetBody(&NewViewBody{ViewChanges: vcs, PrePrepares: pps}); err != nil {
		s.t.Fatal(err)
	}
	nv.Digest = payloadDigest(nv.Payload)
	return s.sign(nv)
}

func TestCheckViewChangeAcceptsValidCertificate(t *testing.T) {
	s := newSigningRoster(t)
	p := testProposal("p1")
	vc := s.viewChange("node2", &ViewChangeBody{
		NewView:  1,
		Prepared: []PreparedCert{s.cert(0, 1, p, "node0", "node1", "node2")},
	})

	body, err := s.checker.checkViewChange(vc)
	if err != nil {
		t.Fatalf("expected a valid view-change, got %v", err)
	}
	if len(body.Prepared) != 1 || body.Prepared[0].Sequence != 1 {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestCheckViewChangeRejects(t *testing.T) {
	s := newSigningRoster(t)
	p := testProposal("p1")

	tests := []struct {
		name  string
		build func() *Message
	}{
		{"short certificate", func() *Message {
			return s.viewChange("node2", &ViewChangeBody{
				NewView:  1,
				Prepared: []PreparedCert{s.cert(0, 1, p, "node0", "node1")},
			})
		}},
		{"forged prepare", func() *Message {
			cert := s.cert(0, 1, p, "node0", "node1", "node2")
			// node2's vote carries node3's signature
			forged := NewMessage(Prepare, 0, 1, p.Digest(), "node3")
			s.sign(forged)
			cert.Prepares[2].Signature = forged.Signature
			return s.viewChange("node2", &ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}})
		}},
		{"duplicate voter", func() *Message {
			cert := s.cert(0, 1, p, "node0", "node1", "node1")
			return s.viewChange("node2", &ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}})
		}},
		{"pre-prepare not from the primary", func() *Message {
			cert := s.cert(0, 1, p, "node0", "node1", "node2")
			cert.PrePrepare = s.sign(prePrepareFor(0, 1, p, "node3"))
			return s.viewChange("node2", &ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}})
		}},
		{"certificate from the target view", func() *Message {
			return s.viewChange("node2", &ViewChangeBody{
				NewView:  1,
				Prepared: []PreparedCert{s.cert(1, 1, p, "node0", "node1", "node2")},
			})
		}},
		{"bad certificate below the claimed checkpoint", func() *Message {
			return s.viewChange("node3", &ViewChangeBody{
				NewView:    1,
				LastStable: 1000,
				Prepared:   []PreparedCert{s.cert(0, 1, p, "node0")},
			})
		}},
		{"header and body disagree", func() *Message {
			vc := NewMessage(ViewChange, 2, 0, nil, "node2")
			if err := vc.SetBody(&ViewChangeBody{NewView: 1}); err != nil {
				panic(err)
			}
			vc.Digest = payloadDigest(vc.Payload)
			return s.sign(vc)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.checker.checkViewChange(tt.build()); err == nil {
				t.Error("expected the view-change to be rejected")
			}
		})
	}
}

func TestComputeNewViewSetIgnoresUnvouchedCheckpoint(t *testing.T) {
	p := testProposal("p1")
	cert := PreparedCert{View: 0, Sequence: 1, Digest: p.Digest(), PrePrepare: prePrepareFor(0, 1, p, "node0")}
	votes := []*ViewChangeBody{
		{NewView: 1, Prepared: []PreparedCert{cert}},
		{NewView: 1, Prepared: []PreparedCert{cert}},
		{NewView: 1, LastStable: 1000},
	}

	minS, maxS, entries, err := ComputeNewViewSet(votes, 1)
	if err != nil {
		t.Fatal(err)
	}
	if minS != 0 || maxS != 1 {
		t.Fatalf("expected (0, 1], got (%d, %d]", minS, maxS)
	}
	if len(entries) != 1 || !bytes.Equal(entries[0].Digest, p.Digest()) {
		t.Errorf("prepared certificate was dropped: %+v", entries)
	}

	// once f+1 replicas report it, the checkpoint is trusted
	votes[1] = &ViewChangeBody{NewView: 1, LastStable: 1000}
	minS, _, entries, err = ComputeNewViewSet(votes, 1)
	if err != nil {
		t.Fatal(err)
	}
	if minS != 1000 || len(entries) != 0 {
		t.Errorf("expected minS 1000 and no entries, got %d and %d", minS, len(entries))
	}
}

func TestCheckNewView(t *testing.T) {
	s := newSigningRoster(t)
	p := testProposal("p1")
	cert := s.cert(0, 1, p, "node0", "node1", "node2")

	vcs := []*Message{
		s.viewChange("node1", &ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}}),
		s.viewChange("node2", &ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}}),
		s.viewChange("node3", &ViewChangeBody{NewView: 1, LastStable: 1000}),
	}
	want := []OEntry{{Sequence: 1, Digest: p.Digest(), Proposal: p}}

	_, entries, maxS, err := s.checker.checkNewView(s.newView("node1", 1, vcs, want))
	if err != nil {
		t.Fatalf("expected a valid new-view, got %v", err)
	}
	if maxS != 1 || len(entries) != 1 || !bytes.Equal(entries[0].Digest, p.Digest()) {
		t.Errorf("unexpected re-proposals %+v (maxS %d)", entries, maxS)
	}

	unsigned := s.viewChange("node3", &ViewChangeBody{NewView: 1})
	unsigned.Signature = nil

	tests := []struct {
		name string
		msg  *Message
	}{
		{"sent by a backup", s.newView("node2", 1, vcs, want)},
		{"prepared certificate dropped", s.newView("node1", 1, vcs, nil)},
		{"different value re-proposed", s.newView("node1", 1, vcs, []OEntry{
			{Sequence: 1, Digest: testProposal("p2").Digest(), Proposal: testProposal("p2")},
		})},
		{"null request instead of the prepared value", s.newView("node1", 1, vcs, []OEntry{
			{Sequence: 1, Digest: NullDigest},
		})},
		{"too few view-changes", s.newView("node1", 1, vcs[:2], want)},
		{"same sender twice", s.newView("node1", 1, []*Message{vcs[0], vcs[1], vcs[1]}, want)},
		{"unsigned view-change", s.newView("node1", 1, []*Message{vcs[0], vcs[1], unsigned}, want)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := s.checker.checkNewView(tt.msg); err == nil {
				t.Error("expected the new-view to be rejected")
			}
		})
	}
}
