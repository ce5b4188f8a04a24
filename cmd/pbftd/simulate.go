package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/crypto"
	"github.com/ahwlsqja/pbft-remediation/network"
	"github.com/ahwlsqja/pbft-remediation/persistence"
	"github.com/ahwlsqja/pbft-remediation/types"
)

type simulation struct {
	Nodes     int
	Silent    []string
	Proposals int
	DropRate  float64
	Seed      int64
	Timeout   time.Duration
}

func defaultSimulation() simulation {
	return simulation{
		Nodes:     4,
		Proposals: 3,
		Seed:      1,
		Timeout:   300 * time.Millisecond,
	}
}

type simNode struct {
	id     string
	engine *pbft.Engine
}

func buildCluster(opts simulation, logger *zap.Logger) (*network.Hub, []*simNode, error) {
	if opts.Nodes < 1 {
		return nil, nil, fmt.Errorf("need at least one node")
	}
	hub := network.NewHub(logger)
	hub.Seed(opts.Seed)
	hub.SetDropRate(opts.DropRate)

	nodes := make([]types.Node, opts.Nodes)
	keys := make([]*crypto.KeyPair, opts.Nodes)
	for i := range nodes {
		id := fmt.Sprintf("node%d", i)
		keys[i] = crypto.KeyPairFromSecret([]byte(id))
		nodes[i] = types.Node{ID: id, PublicKey: keys[i].PublicKeyBytes()}
	}

	cluster := make([]*simNode, opts.Nodes)
	for i, n := range nodes {
		keyring := crypto.NewKeyring(n.ID, keys[i])
		if err := keyring.AddRoster(nodes); err != nil {
			return nil, nil, err
		}
		roster, err := pbft.NewRoster(nodes, 0)
		if err != nil {
			return nil, nil, err
		}

		cfg := pbft.DefaultConfig(n.ID)
		cfg.PrimaryTimeout = opts.Timeout
		cfg.PhaseTimeout = opts.Timeout
		cfg.ViewChangeTimeout = 2 * opts.Timeout

		engine, err := pbft.NewEngine(cfg, roster, pbft.Deps{
			Transport: hub.Endpoint(n.ID),
			Signer:    keyring,
			Verifier:  pbft.SignatureVerifier(keyring),
			Store:     persistence.NewMemoryStore(),
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		cluster[i] = &simNode{id: n.ID, engine: engine}
	}

	for _, id := range opts.Silent {
		found := false
		for _, n := range cluster {
			found = found || n.id == id
		}
		if !found {
			return nil, nil, fmt.Errorf("unknown silent node %q", id)
		}
		hub.Silence(id, true)
	}
	return hub, cluster, nil
}

// runSimulation submits proposals to a cluster on the in-process network
// and reports what every replica decided.
func runSimulation(ctx context.Context, opts simulation, out io.Writer, logger *zap.Logger) error {
	hub, cluster, err := buildCluster(opts, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	silent := make(map[string]bool, len(opts.Silent))
	for _, id := range opts.Silent {
		silent[id] = true
	}
	var submitter *simNode
	for _, n := range cluster {
		if err := n.engine.Start(ctx); err != nil {
			return err
		}
		defer n.engine.Stop()
		if submitter == nil && !silent[n.id] {
			submitter = n
		}
	}
	if submitter == nil {
		return fmt.Errorf("every node is silent")
	}

	fmt.Fprintf(out, "cluster of %d, silent %v, submitting through %s\n\n", opts.Nodes, opts.Silent, submitter.id)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROPOSAL\tSEQ\tVIEW\tOUTCOME\tPARTICIPANTS")
	deadline := 20 * opts.Timeout
	var failed error
	for i := 0; i < opts.Proposals; i++ {
		p := &types.ConsensusProposal{
			ProposalID:  uuid.NewString(),
			IncidentID:  fmt.Sprintf("inc-%d", i+1),
			Action:      []byte(fmt.Sprintf(`{"action":"restart","target":"svc-%d"}`, i+1)),
			ProposerID:  submitter.id,
			SubmittedAt: time.Now().UTC(),
		}
		h, err := submitter.engine.SubmitProposal(p)
		if err != nil {
			return err
		}
		r, err := submitter.engine.AwaitResult(ctx, h, deadline)
		if err != nil {
			if errors.Is(err, pbft.ErrLiveness) {
				failed = err
				break
			}
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			p.ProposalID[:8], r.Sequence, r.View, r.Outcome, strings.Join(r.ParticipatingNodes, ","))
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tVIEW\tPRIMARY\tDECIDED\tFAULTY")
	for _, n := range cluster {
		if silent[n.id] {
			fmt.Fprintf(w, "%s\t-\t-\t-\t(silent)\n", n.id)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", n.id, n.engine.CurrentView(), n.engine.Primary(),
			len(n.engine.Results()), strings.Join(n.engine.FaultyNodes(), ","))
	}
	w.Flush()

	delivered, dropped := hub.Stats()
	fmt.Fprintf(out, "\nmessages delivered %d, dropped %d\n", delivered, dropped)
	return failed
}
