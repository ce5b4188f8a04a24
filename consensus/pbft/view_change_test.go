package pbft

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"
)

func TestViewChangeBackoff(t *testing.T) {
	vcm := NewViewChangeManager("node1", time.Second, 4)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := vcm.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestViewChangeBegin(t *testing.T) {
	vcm := NewViewChangeManager("node1", time.Hour, 4)
	defer vcm.Stop()

	attempt, ok := vcm.Begin(1)
	if !ok || attempt != 1 {
		t.Fatalf("expected attempt 1, got %d ok=%v", attempt, ok)
	}
	if _, ok := vcm.Begin(1); ok {
		t.Error("same target started twice")
	}
	if attempt, ok := vcm.Begin(2); !ok || attempt != 2 {
		t.Errorf("expected attempt 2 for a later view, got %d ok=%v", attempt, ok)
	}

	vcm.Complete(2)
	if _, running := vcm.InProgress(); running {
		t.Error("view change still running after Complete")
	}
	if vcm.Attempts() != 0 {
		t.Errorf("expected attempts reset, got %d", vcm.Attempts())
	}
}

func TestViewChangeEscalatesThenExhausts(t *testing.T) {
	vcm := NewViewChangeManager("node1", 5*time.Millisecond, 2)
	defer vcm.Stop()

	var timeouts atomic.Int32
	exhausted := make(chan int, 1)
	vcm.SetOnTimeout(func(next uint64, attempt int) {
		timeouts.Add(1)
		vcm.Begin(next)
	})
	vcm.SetOnExhausted(func(target uint64, attempts int) {
		exhausted <- attempts
	})

	vcm.Begin(1)

	select {
	case attempts := <-exhausted:
		if attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("view change never exhausted")
	}
	if timeouts.Load() != 1 {
		t.Errorf("expected 1 escalation, got %d", timeouts.Load())
	}
}

func TestClaimNewViewOnce(t *testing.T) {
	vcm := NewViewChangeManager("node1", time.Second, 4)

	if !vcm.ClaimNewView(1) {
		t.Fatal("first claim failed")
	}
	if vcm.ClaimNewView(1) {
		t.Error("second claim succeeded")
	}
}

func TestComputeNewViewSet(t *testing.T) {
	p5, p7 := testProposal("p5"), testProposal("p7")
	p7b := testProposal("p7b")

	votes := []*ViewChangeBody{
		{
			NewView:    2,
			LastStable: 4,
			Prepared: []PreparedCert{
				{View: 0, Sequence: 5, Digest: p5.Digest(), PrePrepare: prePrepareFor(0, 5, p5, "node0")},
				{View: 0, Sequence: 7, Digest: p7.Digest(), PrePrepare: prePrepareFor(0, 7, p7, "node0")},
			},
		},
		{
			NewView:    2,
			LastStable: 2,
			Prepared: []PreparedCert{
				// superseded by the higher view
				{View: 1, Sequence: 7, Digest: p7b.Digest(), PrePrepare: prePrepareFor(1, 7, p7b, "node1")},
				// below the highest stable checkpoint
				{View: 0, Sequence: 3, Digest: digestA},
			},
		},
		{NewView: 2, LastStable: 4},
	}

	minS, maxS, entries, err := ComputeNewViewSet(votes, 1)
	if err != nil {
		t.Fatalf("ComputeNewViewSet failed: %v", err)
	}
	if minS != 4 || maxS != 7 {
		t.Fatalf("expected (4, 7], got (%d, %d]", minS, maxS)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	if entries[0].Sequence != 5 || !bytes.Equal(entries[0].Digest, p5.Digest()) || entries[0].Proposal == nil {
		t.Errorf("sequence 5 should carry p5, got %+v", entries[0])
	}
	if entries[1].Sequence != 6 || !bytes.Equal(entries[1].Digest, NullDigest) || entries[1].Proposal != nil {
		t.Errorf("gap at 6 should be a null request, got %+v", entries[1])
	}
	if entries[2].Sequence != 7 || !bytes.Equal(entries[2].Digest, p7b.Digest()) {
		t.Errorf("sequence 7 should carry the view 1 certificate")
	}
	if entries[2].Proposal == nil || entries[2].Proposal.ProposalID != "p7b" {
		t.Errorf("expected p7b at sequence 7, got %+v", entries[2].Proposal)
	}
}

func TestComputeNewViewSetRejectsConflictingCertificates(t *testing.T) {
	votes := []*ViewChangeBody{
		{NewView: 1, Prepared: []PreparedCert{{View: 0, Sequence: 1, Digest: digestA}}},
		{NewView: 1, Prepared: []PreparedCert{{View: 0, Sequence: 1, Digest: digestB}}},
	}
	if _, _, _, err := ComputeNewViewSet(votes, 1); err == nil {
		t.Error("expected an error for two certificates in one view")
	}
}

func TestComputeNewViewSetEmpty(t *testing.T) {
	minS, maxS, entries, err := ComputeNewViewSet([]*ViewChangeBody{{NewView: 1}, {NewView: 1}, {NewView: 1}}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if minS != 0 || maxS != 0 || len(entries) != 0 {
		t.Errorf("expected nothing to re-propose, got (%d, %d] %d entries", minS, maxS, len(entries))
	}
}
