package pbft

import (
	"bytes"
	"testing"

	"github.com/ahwlsqja/pbft-remediation/types"
)

func TestSignBytesExcludeSignature(t *testing.T) {
	msg := NewMessage(Prepare, 3, 9, digestA, "node2")
	before := msg.SignBytes()

	msg.Signature = []byte("sig")
	if !bytes.Equal(before, msg.SignBytes()) {
		t.Error("signature changed the signed bytes")
	}

	msg.Digest = digestB
	if bytes.Equal(before, msg.SignBytes()) {
		t.Error("digest is not covered by the signed bytes")
	}
}

func TestMessageWireRoundTrip(t *testing.T) {
	p := testProposal("p1")
	msg := prePrepareFor(2, 11, p, "node2")
	msg.Signature = []byte{1, 2, 3}

	data, err := types.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got Message
	if err := types.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !got.SameContent(msg) {
		t.Errorf("decoded message differs: %+v", got)
	}
	if !bytes.Equal(got.SignBytes(), msg.SignBytes()) {
		t.Error("signed bytes changed across the wire")
	}

	b, err := got.Body()
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	if pid := b.(*PrePrepareBody).Proposal.ProposalID; pid != "p1" {
		t.Errorf("expected proposal p1, got %s", pid)
	}
}

func TestNullRequestBody(t *testing.T) {
	msg := prePrepareFor(1, 4, nil, "node1")
	if !msg.IsNull() {
		t.Fatal("expected the null digest")
	}
	b, err := msg.Body()
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	if b.(*PrePrepareBody).Proposal != nil {
		t.Error("null request decoded with a proposal")
	}
}

func TestVoteHasNoBody(t *testing.T) {
	b, err := NewMessage(Commit, 0, 1, digestA, "node1").Body()
	if err != nil || b != nil {
		t.Errorf("expected no body, got %v %v", b, err)
	}
}

func TestViewChangeBodyCarriesCertificates(t *testing.T) {
	p := testProposal("p1")
	pp := prePrepareFor(0, 1, p, "node0")
	cert := PreparedCert{
		View:       0,
		Sequence:   1,
		Digest:     p.Digest(),
		PrePrepare: pp,
		Prepares: []*Message{
			NewMessage(Prepare, 0, 1, p.Digest(), "node1"),
			NewMessage(Prepare, 0, 1, p.Digest(), "node2"),
		},
	}
	msg := NewMessage(ViewChange, 1, 0, nil, "node1")
	if err := msg.SetBody(&ViewChangeBody{NewView: 1, Prepared: []PreparedCert{cert}}); err != nil {
		t.Fatal(err)
	}

	b, err := msg.Body()
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	vc := b.(*ViewChangeBody)
	if len(vc.Prepared) != 1 || len(vc.Prepared[0].Prepares) != 2 {
		t.Fatalf("certificate lost in encoding: %+v", vc)
	}
	if !bytes.Equal(vc.Prepared[0].PrePrepare.SignBytes(), pp.SignBytes()) {
		t.Error("embedded pre-prepare no longer verifies")
	}
}
