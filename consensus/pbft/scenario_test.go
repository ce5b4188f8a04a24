package pbft_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/crypto"
	"github.com/ahwlsqja/pbft-remediation/metrics"
	"github.com/ahwlsqja/pbft-remediation/network"
	"github.com/ahwlsqja/pbft-remediation/persistence"
	"github.com/ahwlsqja/pbft-remediation/types"
)

type cluster struct {
	hub      *network.Hub
	engines  []*pbft.Engine
	keyrings []*crypto.Keyring
}

func (c *cluster) engine(id string) *pbft.Engine {
	for _, e := range c.engines {
		if e.NodeID() == id {
			return e
		}
	}
	return nil
}

func newCluster(t *testing.T, n int, tune func(*pbft.Config), deps func(id string) pbft.Deps) *cluster {
	t.Helper()
	hub := network.NewHub(nil)

	nodes := make([]types.Node, n)
	keys := make([]*crypto.KeyPair, n)
	for i := range nodes {
		id := fmt.Sprintf("node%d", i)
		keys[i] = crypto.KeyPairFromSecret([]byte(id))
		nodes[i] = types.Node{ID: id, PublicKey: keys[i].PublicKeyBytes()}
	}

	c := &cluster{hub: hub}
	for i, node := range nodes {
		kr := crypto.NewKeyring(node.ID, keys[i])
		if err := kr.AddRoster(nodes); err != nil {
			t.Fatal(err)
		}
		roster, err := pbft.NewRoster(nodes, 0)
		if err != nil {
			t.Fatal(err)
		}

		cfg := pbft.DefaultConfig(node.ID)
		cfg.PrimaryTimeout = 150 * time.Millisecond
		cfg.PhaseTimeout = 150 * time.Millisecond
		cfg.ViewChangeTimeout = 300 * time.Millisecond
		if tune != nil {
			tune(cfg)
		}

		d := pbft.Deps{Store: persistence.NewMemoryStore()}
		if deps != nil {
			d = deps(node.ID)
		}
		d.Transport = hub.Endpoint(node.ID)
		d.Signer = kr
		d.Verifier = pbft.SignatureVerifier(kr)

		e, err := pbft.NewEngine(cfg, roster, d)
		if err != nil {
			t.Fatalf("NewEngine %s failed: %v", node.ID, err)
		}
		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		c.engines = append(c.engines, e)
		c.keyrings = append(c.keyrings, kr)
	}

	t.Cleanup(func() {
		for _, e := range c.engines {
			e.Stop()
		}
		hub.Close()
	})
	return c
}

func submit(t *testing.T, e *pbft.Engine, incident string) (*types.ConsensusProposal, *types.ConsensusResult) {
	t.Helper()
	p := types.NewProposal(incident, e.NodeID(), []byte(`{"action":"restart","target":"`+incident+`"}`))
	h, err := e.SubmitProposal(p)
	if err != nil {
		t.Fatalf("SubmitProposal failed: %v", err)
	}
	r, err := e.AwaitResult(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	return p, r
}

// waitDecided waits until every listed engine has a result for seq and
// returns them.
func waitDecided(t *testing.T, engines []*pbft.Engine, seq uint64) []*types.ConsensusResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	results := make([]*types.ConsensusResult, len(engines))
	for i, e := range engines {
		for {
			if r, ok := e.ResultBySequence(seq); ok {
				results[i] = r
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s has no result for sequence %d", e.NodeID(), seq)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return results
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestScenarioSilentBackup(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.hub.Silence("node3", true)

	p, r := submit(t, c.engine("node0"), "inc-a")
	if r.Outcome != types.OutcomeDecided {
		t.Fatalf("expected DECIDED, got %s", r.Outcome)
	}
	if r.View != 0 {
		t.Errorf("expected decision in view 0, got %d", r.View)
	}
	if len(r.ParticipatingNodes) < 3 || contains(r.ParticipatingNodes, "node3") {
		t.Errorf("unexpected participants %v", r.ParticipatingNodes)
	}

	honest := c.engines[:3]
	for _, res := range waitDecided(t, honest, r.Sequence) {
		if res.ProposalID != p.ProposalID || !bytes.Equal(res.Digest, p.Digest()) {
			t.Errorf("replicas disagree on sequence %d: %s", r.Sequence, res.ProposalID)
		}
	}
}

func TestScenarioSilentPrimary(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.hub.Silence("node0", true)

	p, r := submit(t, c.engine("node1"), "inc-b")
	if r.Outcome != types.OutcomeDecided {
		t.Fatalf("expected DECIDED, got %s", r.Outcome)
	}
	if r.View != 1 {
		t.Errorf("expected decision in view 1, got %d", r.View)
	}

	backups := c.engines[1:]
	for _, res := range waitDecided(t, backups, r.Sequence) {
		if res.ProposalID != p.ProposalID {
			t.Errorf("replicas disagree on sequence %d", r.Sequence)
		}
	}
	for _, e := range backups {
		if e.CurrentView() != 1 {
			t.Errorf("%s in view %d, expected 1", e.NodeID(), e.CurrentView())
		}
		if e.Primary() != "node1" {
			t.Errorf("%s sees primary %s, expected node1", e.NodeID(), e.Primary())
		}
		if !contains(e.FaultyNodes(), "node0") {
			t.Errorf("%s does not suspect the deposed primary: %v", e.NodeID(), e.FaultyNodes())
		}
	}

	// the new primary keeps ordering
	_, r2 := submit(t, c.engine("node2"), "inc-b2")
	if r2.Outcome != types.OutcomeDecided || r2.Sequence <= r.Sequence {
		t.Errorf("unexpected follow-up result %+v", r2)
	}
}

func TestScenarioConflictingPrepares(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	byzantine := c.keyrings[3]
	forged := []byte("forged digest, not the proposal")

	var once sync.Map
	c.hub.SetFilter(func(from, to string, msg *pbft.Message) bool {
		if from != "node3" || msg.Type != pbft.Prepare {
			return true
		}
		// send a second, different prepare to every receiver
		if _, seen := once.LoadOrStore(to+fmt.Sprint(msg.Sequence), true); !seen {
			m := pbft.NewMessage(pbft.Prepare, msg.View, msg.Sequence, forged, "node3")
			sig, err := byzantine.Sign(m.SignBytes())
			if err != nil {
				t.Error(err)
				return true
			}
			m.Signature = sig
			c.hub.Inject(to, m)
		}
		return true
	})

	p, r := submit(t, c.engine("node1"), "inc-c")
	if r.Outcome != types.OutcomeDecided {
		t.Fatalf("expected DECIDED, got %s", r.Outcome)
	}
	if contains(r.ParticipatingNodes, "node3") {
		t.Errorf("equivocating node counted: %v", r.ParticipatingNodes)
	}

	honest := c.engines[:3]
	for _, res := range waitDecided(t, honest, r.Sequence) {
		if res.ProposalID != p.ProposalID {
			t.Errorf("replicas disagree on sequence %d", r.Sequence)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, e := range honest {
		for !contains(e.FaultyNodes(), "node3") {
			if time.Now().After(deadline) {
				t.Fatalf("%s does not list node3 as faulty: %v", e.NodeID(), e.FaultyNodes())
			}
			time.Sleep(5 * time.Millisecond)
		}
		found := false
		for _, ev := range e.Evidence() {
			if ev.Sender == "node3" && ev.Type == pbft.Prepare && len(ev.Digests) == 2 {
				found = true
			}
		}
		if !found {
			t.Errorf("%s recorded no prepare evidence against node3", e.NodeID())
		}
	}

	if err := c.engine("node0").ResetFaultyNode("node3"); err != nil {
		t.Fatal(err)
	}
	if contains(c.engine("node0").FaultyNodes(), "node3") {
		t.Error("reset did not clear the suspicion")
	}
}

// dropViewZeroCommits keeps every replica from deciding in view 0 after it
// has prepared.
func dropViewZeroCommits(from, to string, msg *pbft.Message) bool {
	return msg.Type != pbft.Commit || msg.View != 0
}

func TestScenarioPreparedValueSurvivesViewChange(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.hub.SetFilter(dropViewZeroCommits)

	p, r := submit(t, c.engine("node0"), "inc-d")
	if r.Outcome != types.OutcomeDecided {
		t.Fatalf("expected DECIDED, got %s", r.Outcome)
	}
	if r.Sequence != 1 {
		t.Errorf("expected the prepared sequence 1, got %d", r.Sequence)
	}
	if r.View < 1 {
		t.Errorf("expected decision after a view change, got view %d", r.View)
	}

	for _, res := range waitDecided(t, c.engines, 1) {
		if res.ProposalID != p.ProposalID || !bytes.Equal(res.Digest, p.Digest()) {
			t.Errorf("sequence 1 decided as %s, expected %s", res.ProposalID, p.ProposalID)
		}
	}
	if _, ok := c.engine("node1").ResultBySequence(2); ok {
		t.Error("prepared value was decided twice")
	}
}

func TestScenarioInflatedCheckpointClaim(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.hub.Silence("node3", true)
	liar := c.keyrings[3]

	var once sync.Map
	c.hub.SetFilter(func(from, to string, msg *pbft.Message) bool {
		if msg.Type == pbft.Commit && msg.View == 0 {
			return false
		}
		if msg.Type != pbft.ViewChange {
			return true
		}
		// node3 claims a stable checkpoint nobody else has
		if _, seen := once.LoadOrStore(to+fmt.Sprint(msg.View), true); !seen {
			vc := pbft.NewMessage(pbft.ViewChange, msg.View, 0, nil, "node3")
			if err := vc.SetBody(&pbft.ViewChangeBody{NewView: msg.View, LastStable: 1000}); err != nil {
				t.Error(err)
				return true
			}
			vc.Digest = tmhash.Sum(vc.Payload)
			sig, err := liar.Sign(vc.SignBytes())
			if err != nil {
				t.Error(err)
				return true
			}
			vc.Signature = sig
			c.hub.Inject(to, vc)
		}
		return true
	})

	p, r := submit(t, c.engine("node0"), "inc-e")
	if r.Outcome != types.OutcomeDecided {
		t.Fatalf("expected DECIDED, got %s", r.Outcome)
	}
	if r.Sequence != 1 || r.View < 1 {
		t.Errorf("expected sequence 1 decided after a view change, got %d in view %d", r.Sequence, r.View)
	}
	for _, res := range waitDecided(t, c.engines[:3], 1) {
		if res.ProposalID != p.ProposalID {
			t.Errorf("replicas disagree on sequence 1: %s", res.ProposalID)
		}
	}

	// ordering continues right after the carried sequence
	primary := c.engine(c.engine("node1").Primary())
	_, r2 := submit(t, primary, "inc-e2")
	if r2.Outcome != types.OutcomeDecided || r2.Sequence != 2 {
		t.Errorf("expected follow-up decided at sequence 2, got %+v", r2)
	}
}

func TestScenarioUnresponsivePrimaryFlagLapses(t *testing.T) {
	c := newCluster(t, 4, func(cfg *pbft.Config) {
		cfg.UnresponsiveDecay = 100 * time.Millisecond
	}, nil)
	c.hub.Silence("node0", true)

	_, r := submit(t, c.engine("node1"), "inc-f")
	if r.Outcome != types.OutcomeDecided || r.View != 1 {
		t.Fatalf("expected DECIDED in view 1, got %s in view %d", r.Outcome, r.View)
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, e := range c.engines[1:] {
		for contains(e.FaultyNodes(), "node0") {
			if time.Now().After(deadline) {
				t.Fatalf("%s still suspects node0: %v", e.NodeID(), e.FaultyNodes())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestSafetyUnderLossyNetwork(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.hub.Seed(42)
	c.hub.SetDropRate(0.05)
	c.hub.SetDuplicateRate(0.1)
	c.hub.SetMaxDelay(3 * time.Millisecond)

	rng := rand.New(rand.NewSource(42))
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		e := c.engines[rng.Intn(len(c.engines))]
		p := types.NewProposal(fmt.Sprintf("inc-%d", i), e.NodeID(), []byte{byte(i)})
		h, err := e.SubmitProposal(p)
		if err != nil {
			t.Fatalf("SubmitProposal failed: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.AwaitResult(context.Background(), h, 5*time.Second)
		}()
	}
	wg.Wait()

	// no two replicas finish a sequence differently
	decided := make(map[uint64]*types.ConsensusResult)
	for _, e := range c.engines {
		for _, r := range e.Results() {
			if r.Outcome != types.OutcomeDecided {
				continue
			}
			if prev, ok := decided[r.Sequence]; ok {
				if !bytes.Equal(prev.Digest, r.Digest) {
					t.Errorf("sequence %d decided as %s and %s", r.Sequence, prev.ProposalID, r.ProposalID)
				}
				continue
			}
			decided[r.Sequence] = r
		}
	}
	if len(decided) == 0 {
		t.Error("nothing was decided")
	}
}

func TestMetricsRecordDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newCluster(t, 4, nil, func(id string) pbft.Deps {
		d := pbft.Deps{Store: persistence.NewMemoryStore()}
		if id == "node0" {
			d.Metrics = metrics.NewMetrics("pbft", reg)
		}
		return d
	})

	submit(t, c.engine("node0"), "inc-m")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() != "decided" {
					v = 0
				}
			}
			values[mf.GetName()] += v
		}
	}

	if values["pbft_consensus_rounds_total"] != 1 {
		t.Errorf("expected 1 decided round, got %v", values["pbft_consensus_rounds_total"])
	}
	if values["pbft_sequence_height"] != 1 {
		t.Errorf("expected sequence height 1, got %v", values["pbft_sequence_height"])
	}
	if values["pbft_messages_sent_total"] == 0 {
		t.Error("no sent messages counted")
	}
}
