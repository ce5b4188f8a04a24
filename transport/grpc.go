package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/types"
)

const (
	deliverMethod = "/pbft.v1.Replica/Deliver"
	relayMethod   = "/pbft.v1.Replica/Relay"

	maxMsgSize = 16 * 1024 * 1024
)

// replicaServer is the server side of the pbft.v1.Replica service.
type replicaServer interface {
	Deliver(ctx context.Context, in *Envelope) (*Envelope, error)
	Relay(ctx context.Context, in *Envelope) (*Envelope, error)
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: "pbft.v1.Replica",
	HandlerType: (*replicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Relay", Handler: relayHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pbft/v1/replica.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicaServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicaServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func relayHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicaServer).Relay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicaServer).Relay(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// Config holds configuration for the gRPC transport.
type Config struct {
	NodeID     string
	ListenAddr string
	// CallTimeout bounds each outbound call (5s by default).
	CallTimeout time.Duration
	// InboxSize bounds deliveries waiting for the handlers (4096 by default).
	InboxSize int
	// QueueSize bounds the outbound backlog per peer (1024 by default).
	QueueSize int
	Logger    *zap.Logger
}

// ErrQueueFull is reported for a peer whose outbound backlog is full.
var ErrQueueFull = errors.New("transport: peer queue full")

type outbound struct {
	method string
	env    *Envelope
}

type inbound struct {
	msg      *pbft.Message
	proposal *types.ConsensusProposal
}

// peerConn represents a connection to a peer node. Calls to one peer are
// made in order by its own sender goroutine.
type peerConn struct {
	id   string
	addr string
	conn *grpc.ClientConn

	out  chan outbound
	done chan struct{}
	once sync.Once
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		if p.conn != nil {
			p.conn.Close()
		}
	})
}

// GRPCTransport implements pbft.Transport over gRPC. Inbound calls are
// acknowledged immediately and handed to the engine in arrival order by a
// single dispatcher goroutine.
type GRPCTransport struct {
	mu sync.RWMutex

	config   Config
	server   *grpc.Server
	listener net.Listener
	peers    map[string]*peerConn

	msgHandler      func(*pbft.Message)
	proposalHandler func(*types.ConsensusProposal)
	errHandler      func(peer, method string, err error)

	inbox  chan inbound
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

var _ pbft.Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a new gRPC-based transport.
func NewGRPCTransport(cfg Config) *GRPCTransport {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4096
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		config: cfg,
		peers:  make(map[string]*peerConn),
		inbox:  make(chan inbound, cfg.InboxSize),
		done:   make(chan struct{}),
		logger: logger.Named("transport").With(zap.String("node_id", cfg.NodeID)),
	}
}

// Start listens on the configured address and serves the replica service.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddr, err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	server.RegisterService(&replicaServiceDesc, &replicaService{t: t})

	t.mu.Lock()
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dispatch()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	t.logger.Info("transport started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the address the server listens on.
func (t *GRPCTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.config.ListenAddr
	}
	return t.listener.Addr().String()
}

// Stop stops the gRPC server and closes all connections.
func (t *GRPCTransport) Stop() {
	t.once.Do(func() { close(t.done) })

	t.mu.Lock()
	for _, peer := range t.peers {
		peer.close()
	}
	t.peers = make(map[string]*peerConn)
	server := t.server
	t.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	t.wg.Wait()
	t.logger.Info("transport stopped")
}

// AddPeer registers a remote replica. The connection is established lazily.
func (t *GRPCTransport) AddPeer(nodeID, address string) error {
	if nodeID == t.config.NodeID {
		return nil
	}
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create client for peer %s at %s: %w", nodeID, address, err)
	}

	peer := &peerConn{
		id:   nodeID,
		addr: address,
		conn: conn,
		out:  make(chan outbound, t.config.QueueSize),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	if old, ok := t.peers[nodeID]; ok {
		old.close()
	}
	t.peers[nodeID] = peer
	t.mu.Unlock()

	t.wg.Add(1)
	go t.send(peer)

	t.logger.Debug("peer added", zap.String("peer", nodeID), zap.String("addr", address))
	return nil
}

// RemovePeer disconnects from a peer.
func (t *GRPCTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, exists := t.peers[nodeID]; exists {
		peer.close()
		delete(t.peers, nodeID)
		t.logger.Debug("peer removed", zap.String("peer", nodeID))
	}
}

// Peers returns the registered peer ids, sorted.
func (t *GRPCTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Broadcast queues msg for every peer.
func (t *GRPCTransport) Broadcast(msg *pbft.Message) error {
	env, err := EncodeMessage(t.config.NodeID, msg)
	if err != nil {
		return err
	}
	return t.fanOut(deliverMethod, env)
}

// Relay queues a proposal for every peer.
func (t *GRPCTransport) Relay(p *types.ConsensusProposal) error {
	env, err := EncodeProposal(t.config.NodeID, p)
	if err != nil {
		return err
	}
	return t.fanOut(relayMethod, env)
}

// fanOut queues env for every peer and returns without waiting for the
// calls. Only full queues are reported here; call failures go to the error
// handler.
func (t *GRPCTransport) fanOut(method string, env *Envelope) error {
	t.mu.RLock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		select {
		case <-p.done:
		case p.out <- outbound{method: method, env: env}:
		default:
			errs = append(errs, fmt.Errorf("%s: %w", p.id, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

func (t *GRPCTransport) send(p *peerConn) {
	defer t.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case ob := <-p.out:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.CallTimeout)
			err := p.conn.Invoke(ctx, ob.method, ob.env, new(Envelope))
			cancel()
			if err != nil {
				t.reportError(p.id, ob.method, err)
			}
		}
	}
}

func (t *GRPCTransport) reportError(peer, method string, err error) {
	t.logger.Debug("send failed", zap.String("peer", peer), zap.String("method", method), zap.Error(err))
	t.mu.RLock()
	onErr := t.errHandler
	t.mu.RUnlock()
	if onErr != nil {
		onErr(peer, method, err)
	}
}

// SetErrorHandler sets the callback for calls that failed after Broadcast or
// Relay returned. It runs on the peer's sender goroutine.
func (t *GRPCTransport) SetErrorHandler(handler func(peer, method string, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errHandler = handler
}

// SetMessageHandler sets the callback for incoming messages.
func (t *GRPCTransport) SetMessageHandler(handler func(*pbft.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandler = handler
}

// SetProposalHandler sets the callback for relayed proposals.
func (t *GRPCTransport) SetProposalHandler(handler func(*types.ConsensusProposal)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposalHandler = handler
}

// replicaService adapts the transport to the replica service.
type replicaService struct {
	t *GRPCTransport
}

// Deliver handles an incoming consensus message.
func (s *replicaService) Deliver(ctx context.Context, in *Envelope) (*Envelope, error) {
	msg, err := in.Message()
	if err != nil {
		s.t.logger.Debug("undecodable message", zap.String("from", in.From), zap.Error(err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.t.enqueue(inbound{msg: msg})
	return &Envelope{Kind: KindAck, From: s.t.config.NodeID}, nil
}

// Relay handles an incoming relayed proposal.
func (s *replicaService) Relay(ctx context.Context, in *Envelope) (*Envelope, error) {
	p, err := in.Proposal()
	if err != nil {
		s.t.logger.Debug("undecodable proposal", zap.String("from", in.From), zap.Error(err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.t.enqueue(inbound{proposal: p})
	return &Envelope{Kind: KindAck, From: s.t.config.NodeID}, nil
}

func (t *GRPCTransport) enqueue(in inbound) {
	select {
	case <-t.done:
	case t.inbox <- in:
	default:
		t.logger.Warn("inbox full, delivery dropped")
	}
}

func (t *GRPCTransport) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case in := <-t.inbox:
			t.mu.RLock()
			onMsg, onProposal := t.msgHandler, t.proposalHandler
			t.mu.RUnlock()

			switch {
			case in.msg != nil && onMsg != nil:
				onMsg(in.msg)
			case in.proposal != nil && onProposal != nil:
				onProposal(in.proposal)
			}
		}
	}
}
