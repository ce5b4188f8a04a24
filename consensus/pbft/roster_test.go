package pbft

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ahwlsqja/pbft-remediation/types"
)

func testNodes(n int) []types.Node {
	nodes := make([]types.Node, n)
	for i := range nodes {
		nodes[i] = types.Node{ID: fmt.Sprintf("node%d", i), Address: fmt.Sprintf("127.0.0.1:%d", 26000+i)}
	}
	return nodes
}

func TestNewRoster(t *testing.T) {
	r, err := NewRoster(testNodes(4), 0)
	if err != nil {
		t.Fatalf("NewRoster failed: %v", err)
	}
	if r.Size() != 4 {
		t.Errorf("expected 4 nodes, got %d", r.Size())
	}
	if r.F() != 1 {
		t.Errorf("expected derived f=1, got %d", r.F())
	}
	if !r.Ready() {
		t.Error("roster of 4 should be ready")
	}
}

func TestNewRosterRejectsInvalid(t *testing.T) {
	dup := testNodes(4)
	dup[3].ID = "node0"

	tests := []struct {
		name  string
		nodes []types.Node
		f     int
	}{
		{"empty", nil, 0},
		{"too small for f", testNodes(3), 1},
		{"duplicate id", dup, 0},
		{"empty id", []types.Node{{ID: ""}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRoster(tt.nodes, tt.f)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRosterPrimaryRotation(t *testing.T) {
	r, _ := NewRoster(testNodes(4), 1)

	for view, want := range []string{"node0", "node1", "node2", "node3", "node0"} {
		if got := r.PrimaryFor(uint64(view)); got != want {
			t.Errorf("view %d: expected primary %s, got %s", view, want, got)
		}
	}

	nodes := r.Nodes(1, time.Minute)
	for _, n := range nodes {
		if n.IsPrimary != (n.ID == "node1") {
			t.Errorf("node %s: unexpected primary flag %v", n.ID, n.IsPrimary)
		}
	}
}

func TestRosterSuspicion(t *testing.T) {
	r, _ := NewRoster(testNodes(4), 1)

	if !r.MarkSuspected("node2") {
		t.Error("first flag should report true")
	}
	if r.MarkSuspected("node2") {
		t.Error("second flag should report false")
	}
	if r.MarkSuspected("ghost") {
		t.Error("unknown node should not be flagged")
	}

	got := r.Suspected(time.Minute)
	if len(got) != 1 || got[0] != "node2" {
		t.Errorf("expected [node2], got %v", got)
	}

	for _, n := range r.Nodes(0, time.Minute) {
		if n.FaultySuspected != (n.ID == "node2") {
			t.Errorf("node %s: unexpected suspected flag %v", n.ID, n.FaultySuspected)
		}
	}

	if !r.ClearSuspected("node2") {
		t.Error("ClearSuspected should succeed for a member")
	}
	if len(r.Suspected(time.Minute)) != 0 {
		t.Error("expected no suspects after clearing")
	}
}

func TestRosterSuspicionDecay(t *testing.T) {
	r, _ := NewRoster(testNodes(4), 1)
	r.MarkSuspected("node3")

	time.Sleep(5 * time.Millisecond)
	if got := r.Suspected(time.Millisecond); len(got) != 0 {
		t.Errorf("expected flag to decay, got %v", got)
	}
}

func TestRosterShortSuspicion(t *testing.T) {
	r, _ := NewRoster(testNodes(4), 1)

	if !r.MarkSuspectedFor("node1", 5*time.Millisecond) {
		t.Error("first flag should report true")
	}
	if got := r.Suspected(time.Minute); len(got) != 1 || got[0] != "node1" {
		t.Errorf("expected [node1], got %v", got)
	}
	time.Sleep(10 * time.Millisecond)
	if got := r.Suspected(time.Minute); len(got) != 0 {
		t.Errorf("expected the short flag to lapse, got %v", got)
	}

	// a proven fault keeps the full decay
	r.MarkSuspected("node2")
	if r.MarkSuspectedFor("node2", time.Millisecond) {
		t.Error("short flag should not replace a full one")
	}
	time.Sleep(5 * time.Millisecond)
	if got := r.Suspected(time.Minute); len(got) != 1 || got[0] != "node2" {
		t.Errorf("expected [node2], got %v", got)
	}

	// and the reverse upgrades
	r.MarkSuspectedFor("node3", time.Millisecond)
	r.MarkSuspected("node3")
	time.Sleep(5 * time.Millisecond)
	if got := r.Suspected(time.Minute); len(got) != 2 || got[1] != "node3" {
		t.Errorf("full flag should override a short one, got %v", got)
	}
}

func TestRosterRemove(t *testing.T) {
	r, _ := NewRoster(testNodes(4), 1)

	if !r.Remove("node1") {
		t.Fatal("Remove failed")
	}
	if r.Contains("node1") {
		t.Error("removed node still a member")
	}
	if r.Ready() {
		t.Error("3 nodes with f=1 should not be ready")
	}
	if got := r.PrimaryFor(1); got != "node2" {
		t.Errorf("expected node2 to lead view 1 after removal, got %s", got)
	}
}
