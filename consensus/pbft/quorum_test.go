package pbft

import "testing"

func TestQuorumArithmetic(t *testing.T) {
	tests := []struct {
		n      int
		f      int
		quorum int
		weak   int
	}{
		{1, 0, 1, 1},
		{4, 1, 3, 2},
		{5, 1, 4, 2},
		{6, 1, 4, 2},
		{7, 2, 5, 3},
		{10, 3, 7, 4},
	}

	for _, tt := range tests {
		if got := FaultTolerance(tt.n); got != tt.f {
			t.Errorf("n=%d: expected f=%d, got %d", tt.n, tt.f, got)
		}
		if got := QuorumSize(tt.n); got != tt.quorum {
			t.Errorf("n=%d: expected quorum %d, got %d", tt.n, tt.quorum, got)
		}
		if got := WeakQuorumSize(tt.n); got != tt.weak {
			t.Errorf("n=%d: expected weak quorum %d, got %d", tt.n, tt.weak, got)
		}
	}
}

func TestHasQuorum(t *testing.T) {
	tests := []struct {
		n, count int
		want     bool
	}{
		{4, 2, false},
		{4, 3, true},
		{4, 4, true},
		// above 3f+1 the quorum grows with n
		{5, 3, false},
		{5, 4, true},
		{6, 3, false},
		{6, 4, true},
		{7, 4, false},
		{7, 5, true},
		{7, 7, true},
	}

	for _, tt := range tests {
		if got := HasQuorum(tt.count, tt.n); got != tt.want {
			t.Errorf("HasQuorum(%d, %d) = %v, want %v", tt.count, tt.n, got, tt.want)
		}
	}

	if HasWeakQuorum(1, 4) {
		t.Error("1 of 4 should not be a weak quorum")
	}
	if !HasWeakQuorum(2, 4) {
		t.Error("2 of 4 should be a weak quorum")
	}
}

// Any two quorums must intersect in at least f+1 replicas.
func TestQuorumIntersection(t *testing.T) {
	for n := 1; n <= 30; n++ {
		q := QuorumSize(n)
		f := FaultTolerance(n)
		if q > n {
			t.Fatalf("n=%d: quorum %d larger than roster", n, q)
		}
		if overlap := 2*q - n; overlap < f+1 {
			t.Errorf("n=%d: quorums of %d overlap in %d, need %d", n, q, overlap, f+1)
		}
	}
}

func TestQuorumIsTwoFPlusOneAtMinimumRoster(t *testing.T) {
	for f := 0; f <= 10; f++ {
		n := 3*f + 1
		if got := QuorumSize(n); got != 2*f+1 {
			t.Errorf("n=%d: expected quorum %d, got %d", n, 2*f+1, got)
		}
	}
}
