package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/types"
)

func TestEnvelopeWireFormat(t *testing.T) {
	env := &Envelope{Kind: KindMessage, From: "node1", Body: []byte{0xa1, 0x01}}
	data, err := Codec{}.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	// unknown fields from a newer peer are skipped
	data = protowire.AppendTag(data, 9, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var got Envelope
	if err := (Codec{}).Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Kind != KindMessage || got.From != "node1" || !bytes.Equal(got.Body, env.Body) {
		t.Errorf("unexpected envelope %+v", got)
	}

	if err := got.UnmarshalWire([]byte{0x0a}); err == nil {
		t.Error("expected an error for a truncated envelope")
	}
	if _, err := (Codec{}).Marshal("not an envelope"); err == nil {
		t.Error("expected an error for a foreign type")
	}
}

func TestEnvelopeBodies(t *testing.T) {
	msg := pbft.NewMessage(pbft.Commit, 2, 7, []byte{9}, "node2")
	env, err := EncodeMessage("node2", msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := env.Message()
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.SameContent(msg) {
		t.Error("message changed on the wire")
	}
	if _, err := env.Proposal(); err == nil {
		t.Error("expected an error decoding a message as a proposal")
	}

	p := types.NewProposal("inc-7", "node2", []byte("drain node"))
	env, _ = EncodeProposal("node2", p)
	got, err := env.Proposal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Digest(), p.Digest()) {
		t.Error("proposal digest changed on the wire")
	}
}

type sink struct {
	mu        sync.Mutex
	msgs      []*pbft.Message
	proposals []*types.ConsensusProposal
}

func (s *sink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs), len(s.proposals)
}

func startTransport(t *testing.T, nodeID string) (*GRPCTransport, *sink) {
	t.Helper()
	tr := NewGRPCTransport(Config{NodeID: nodeID, ListenAddr: "127.0.0.1:0", CallTimeout: 2 * time.Second})
	s := &sink{}
	tr.SetMessageHandler(func(m *pbft.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.msgs = append(s.msgs, m)
	})
	tr.SetProposalHandler(func(p *types.ConsensusProposal) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.proposals = append(s.proposals, p)
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr, s
}

func TestGRPCTransportDelivers(t *testing.T) {
	a, _ := startTransport(t, "node0")
	b, sinkB := startTransport(t, "node1")
	c, sinkC := startTransport(t, "node2")

	for _, peer := range []*GRPCTransport{b, c} {
		if err := a.AddPeer(peer.config.NodeID, peer.Addr()); err != nil {
			t.Fatal(err)
		}
	}
	a.AddPeer("node0", a.Addr())
	if got := a.Peers(); len(got) != 2 {
		t.Errorf("expected 2 peers, got %v", got)
	}

	if err := a.Broadcast(pbft.NewMessage(pbft.Prepare, 0, 1, []byte{1}, "node0")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if err := a.Relay(types.NewProposal("inc", "node0", []byte("restart"))); err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		bm, bp := sinkB.counts()
		cm, cp := sinkC.counts()
		if bm == 1 && bp == 1 && cm == 1 && cp == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deliveries did not arrive")
}

type failures struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (f *failures) record(peer, method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string][]error)
	}
	f.errs[peer] = append(f.errs[peer], err)
}

func (f *failures) count(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs[peer])
}

func TestGRPCTransportReportsUnreachablePeer(t *testing.T) {
	a, _ := startTransport(t, "node0")
	a.config.CallTimeout = 200 * time.Millisecond
	var failed failures
	a.SetErrorHandler(failed.record)
	if err := a.AddPeer("node1", "127.0.0.1:1"); err != nil {
		t.Fatal(err)
	}

	if err := a.Broadcast(pbft.NewMessage(pbft.Prepare, 0, 1, nil, "node0")); err != nil {
		t.Errorf("expected Broadcast to return once queued, got %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for failed.count("node1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unreachable peer was not reported")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.RemovePeer("node1")
	if err := a.Broadcast(pbft.NewMessage(pbft.Prepare, 0, 1, nil, "node0")); err != nil {
		t.Errorf("expected no error without peers, got %v", err)
	}
}

// A peer that accepts connections but never answers must not hold up the
// sender or the other peers.
func TestGRPCTransportDoesNotWaitForHungPeer(t *testing.T) {
	hung, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer hung.Close()
	var conns []net.Conn
	var connMu sync.Mutex
	go func() {
		for {
			c, err := hung.Accept()
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, c)
			connMu.Unlock()
		}
	}()
	defer func() {
		connMu.Lock()
		defer connMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	a, _ := startTransport(t, "node0")
	b, sinkB := startTransport(t, "node1")
	var failed failures
	a.SetErrorHandler(failed.record)
	if err := a.AddPeer("node2", hung.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := a.AddPeer("node1", b.Addr()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := a.Broadcast(pbft.NewMessage(pbft.Prepare, 0, seq, []byte{1}, "node0")); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected Broadcast to return immediately, took %s", elapsed)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if n, _ := sinkB.counts(); n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("healthy peer was held up by the hung one")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(5 * time.Second)
	for failed.count("node2") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hung peer was not reported")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGRPCTransportQueueFull(t *testing.T) {
	tr := NewGRPCTransport(Config{NodeID: "node0", ListenAddr: "127.0.0.1:0", QueueSize: 1})
	defer tr.Stop()
	// the peer is registered without its sender so the queue cannot drain
	tr.peers["node1"] = &peerConn{id: "node1", out: make(chan outbound, 1), done: make(chan struct{})}

	msg := pbft.NewMessage(pbft.Commit, 0, 1, []byte{1}, "node0")
	if err := tr.Broadcast(msg); err != nil {
		t.Fatalf("first Broadcast failed: %v", err)
	}
	if err := tr.Broadcast(msg); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	delete(tr.peers, "node1")
}
