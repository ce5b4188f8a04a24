package node

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/crypto"
	"github.com/ahwlsqja/pbft-remediation/metrics"
	"github.com/ahwlsqja/pbft-remediation/persistence"
	"github.com/ahwlsqja/pbft-remediation/stream"
	"github.com/ahwlsqja/pbft-remediation/transport"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// Node represents a PBFT replica and everything around its engine.
type Node struct {
	mu sync.Mutex

	config    *Config
	engine    *pbft.Engine
	transport *transport.GRPCTransport
	keyring   *crypto.Keyring
	store     *persistence.FileStore
	recovered *persistence.RecoveryResult

	registry      *prometheus.Registry
	metricsServer *metrics.Server
	websocket     *stream.WebSocketHub
	kafka         *stream.KafkaEmitter

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *zap.Logger
}

// New builds a node from config. Nothing listens until Start.
func New(config *Config, logger *zap.Logger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nlog := logger.Named("node").With(zap.String("node_id", config.NodeID))

	nodes, err := config.Nodes()
	if err != nil {
		return nil, err
	}

	key, err := loadKey(config, nodes, nlog)
	if err != nil {
		return nil, err
	}
	keyring := crypto.NewKeyring(config.NodeID, key)
	if err := keyring.AddRoster(nodes); err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].ID == config.NodeID {
			nodes[i].PublicKey = keyring.PublicKey()
		}
	}

	store, err := persistence.NewFileStore(filepath.Join(config.DataDir, config.NodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	recovered, err := persistence.NewRecoveryManager(store, logger).Recover()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("stored history is inconsistent: %w", err)
	}

	n := &Node{
		config:    config,
		keyring:   keyring,
		store:     store,
		recovered: recovered,
		registry:  prometheus.NewRegistry(),
		logger:    nlog,
	}

	var recorder metrics.Recorder = metrics.NullMetrics{}
	if config.Metrics.Enabled {
		recorder = metrics.NewMetrics("pbft", n.registry)
		n.metricsServer = metrics.NewServer(config.Metrics.Addr, n.registry, logger)
	}

	var sinks stream.Multi
	if config.Stream.WebSocketAddr != "" {
		n.websocket = stream.NewWebSocketHub(logger)
		sinks = append(sinks, n.websocket)
	}
	if len(config.Stream.KafkaBrokers) > 0 {
		n.kafka, err = stream.NewKafkaEmitter(stream.KafkaConfig{
			Brokers:  config.Stream.KafkaBrokers,
			Topic:    config.Stream.KafkaTopic,
			ClientID: "pbftd-" + config.NodeID,
		}, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		sinks = append(sinks, n.kafka)
	}

	n.transport = transport.NewGRPCTransport(transport.Config{
		NodeID:     config.NodeID,
		ListenAddr: config.ListenAddr,
		Logger:     logger,
	})
	n.transport.SetErrorHandler(func(peer, method string, err error) {
		op := "broadcast"
		if strings.HasSuffix(method, "/Relay") {
			op = "relay"
		}
		recorder.IncrementTransportErrors(op)
	})
	for _, peer := range config.Roster {
		if peer.ID == config.NodeID || peer.Address == "" {
			continue
		}
		if err := n.transport.AddPeer(peer.ID, peer.Address); err != nil {
			n.transport.Stop()
			n.closeSinks()
			store.Close()
			return nil, err
		}
	}

	roster, err := pbft.NewRoster(nodes, config.F)
	if err != nil {
		n.transport.Stop()
		n.closeSinks()
		store.Close()
		return nil, err
	}

	deps := pbft.Deps{
		Transport: n.transport,
		Signer:    keyring,
		Verifier:  pbft.SignatureVerifier(keyring),
		Metrics:   recorder,
		Store:     store,
		Logger:    logger,
	}
	if len(sinks) > 0 {
		deps.Emitter = sinks
	}
	n.engine, err = pbft.NewEngine(config.PBFTConfig(), roster, deps)
	if err != nil {
		n.transport.Stop()
		n.closeSinks()
		store.Close()
		return nil, err
	}
	return n, nil
}

// loadKey reads the key file, or derives development keys for the whole
// roster when none is configured.
func loadKey(config *Config, nodes []types.Node, logger *zap.Logger) (*crypto.KeyPair, error) {
	if config.KeyFile == "" {
		logger.Warn("no key file configured, deriving keys from node ids")
		for i := range nodes {
			if len(nodes[i].PublicKey) == 0 {
				nodes[i].PublicKey = crypto.KeyPairFromSecret([]byte(nodes[i].ID)).PublicKeyBytes()
			}
		}
		return crypto.KeyPairFromSecret([]byte(config.NodeID)), nil
	}

	nodeID, key, err := crypto.LoadKeyFile(config.KeyFile)
	if err != nil {
		return nil, err
	}
	if nodeID != config.NodeID {
		return nil, fmt.Errorf("key file belongs to %s, not %s", nodeID, config.NodeID)
	}
	return key, nil
}

// Start starts listening and the consensus engine.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node %s already running", n.config.NodeID)
	}

	if err := n.transport.Start(); err != nil {
		return err
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			n.transport.Stop()
			return err
		}
	}
	if n.websocket != nil {
		if err := n.websocket.Start(n.config.Stream.WebSocketAddr); err != nil {
			n.transport.Stop()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := n.engine.Start(ctx); err != nil {
		cancel()
		n.transport.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	n.cancel = cancel
	n.running = true

	n.wg.Add(1)
	go n.watchAlarms(ctx)

	n.logger.Info("node started",
		zap.String("listen_addr", n.transport.Addr()),
		zap.Int("roster_size", len(n.config.Roster)),
		zap.Uint64("recovered_sequence", n.recovered.Contiguous),
		zap.String("primary", n.engine.Primary()))
	return nil
}

func (n *Node) watchAlarms(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case alarm := <-n.engine.Alarms():
			n.logger.Error("consensus halted, operator action required",
				zap.Uint64("view", alarm.View),
				zap.Int("attempts", alarm.Attempts),
				zap.Int("aborted", len(alarm.Aborted)))
		}
	}
}

// Stop stops the engine and releases every resource.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.engine.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.transport.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n.metricsServer != nil && n.running {
		if err := n.metricsServer.Stop(ctx); err != nil {
			n.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if n.websocket != nil {
		if err := n.websocket.Close(ctx); err != nil {
			n.logger.Warn("websocket shutdown failed", zap.Error(err))
		}
	}
	n.closeSinks()
	n.running = false

	n.logger.Info("node stopped")
	return n.store.Close()
}

func (n *Node) closeSinks() {
	if n.kafka != nil {
		if err := n.kafka.Close(); err != nil {
			n.logger.Warn("kafka producer close failed", zap.Error(err))
		}
	}
}

// Propose submits a remediation action and waits for its result.
func (n *Node) Propose(ctx context.Context, incidentID string, action []byte, timeout time.Duration) (*types.ConsensusResult, error) {
	p := types.NewProposal(incidentID, n.config.NodeID, action)
	handle, err := n.engine.SubmitProposal(p)
	if err != nil {
		return nil, err
	}
	return n.engine.AwaitResult(ctx, handle, timeout)
}

// Engine returns the consensus engine.
func (n *Node) Engine() *pbft.Engine {
	return n.engine
}

// Registry returns the node's metrics registry.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Recovered returns what was found on disk at construction.
func (n *Node) Recovered() *persistence.RecoveryResult {
	return n.recovered
}

// Addr returns the transport listen address.
func (n *Node) Addr() string {
	return n.transport.Addr()
}
