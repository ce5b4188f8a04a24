// Package node assembles a PBFT replica: keys, persistence, transport,
// metrics, stream sinks and the consensus engine.
package node

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/logging"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// EnvPrefix prefixes environment overrides, e.g. PBFT_NODE_ID or
// PBFT_CONSENSUS_PRIMARY_TIMEOUT.
const EnvPrefix = "PBFT"

// PeerConfig is a roster entry.
type PeerConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	// PublicKey is the hex ed25519 key. Required unless KeyFile is empty.
	PublicKey string `mapstructure:"public_key"`
}

// ConsensusConfig mirrors the engine tunables.
type ConsensusConfig struct {
	PrimaryTimeout        time.Duration `mapstructure:"primary_timeout"`
	PhaseTimeout          time.Duration `mapstructure:"phase_timeout"`
	ViewChangeTimeout     time.Duration `mapstructure:"view_change_timeout"`
	MaxViewChangeAttempts int           `mapstructure:"max_view_change_attempts"`
	CheckpointInterval    uint64        `mapstructure:"checkpoint_interval"`
	WindowSize            uint64        `mapstructure:"window_size"`
	MaxViewLookahead      uint64        `mapstructure:"max_view_lookahead"`
	SuspicionDecay        time.Duration `mapstructure:"suspicion_decay"`
	UnresponsiveDecay     time.Duration `mapstructure:"unresponsive_decay"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StreamConfig controls the event sinks. Empty values disable a sink.
type StreamConfig struct {
	WebSocketAddr string   `mapstructure:"websocket_addr"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
}

// Config holds configuration for a PBFT node.
type Config struct {
	NodeID     string `mapstructure:"node_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	// KeyFile holds the replica key. Empty derives every key from the node
	// ids, which is only acceptable for local clusters.
	KeyFile string       `mapstructure:"key_file"`
	DataDir string       `mapstructure:"data_dir"`
	F       int          `mapstructure:"f"`
	Roster  []PeerConfig `mapstructure:"roster"`

	Consensus ConsensusConfig `mapstructure:"consensus"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       logging.Config  `mapstructure:"log"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

func setDefaults(v *viper.Viper) {
	d := pbft.DefaultConfig("")
	l := logging.DefaultConfig()

	v.SetDefault("node_id", "")
	v.SetDefault("listen_addr", "0.0.0.0:26656")
	v.SetDefault("key_file", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("f", 0)

	v.SetDefault("consensus.primary_timeout", d.PrimaryTimeout)
	v.SetDefault("consensus.phase_timeout", d.PhaseTimeout)
	v.SetDefault("consensus.view_change_timeout", d.ViewChangeTimeout)
	v.SetDefault("consensus.max_view_change_attempts", d.MaxViewChangeAttempts)
	v.SetDefault("consensus.checkpoint_interval", d.CheckpointInterval)
	v.SetDefault("consensus.window_size", d.WindowSize)
	v.SetDefault("consensus.max_view_lookahead", d.MaxViewLookahead)
	v.SetDefault("consensus.suspicion_decay", d.SuspicionDecay)
	v.SetDefault("consensus.unresponsive_decay", d.UnresponsiveDecay)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", "0.0.0.0:26660")

	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", l.MaxSizeMB)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age_days", l.MaxAgeDays)
	v.SetDefault("log.compress", l.Compress)
	v.SetDefault("log.sampling", false)

	v.SetDefault("stream.websocket_addr", "")
	v.SetDefault("stream.kafka_brokers", []string{})
	v.SetDefault("stream.kafka_topic", "pbft.events")
}

// DefaultConfig returns the defaults LoadConfig starts from.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// LoadConfig reads path (YAML, TOML or JSON) over the defaults and applies
// PBFT_ environment overrides. An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if len(c.Roster) == 0 {
		return ErrEmptyRoster
	}
	found := false
	seen := make(map[string]bool, len(c.Roster))
	for _, p := range c.Roster {
		if p.ID == "" {
			return ErrEmptyPeerID
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID)
		}
		seen[p.ID] = true
		if p.ID == c.NodeID {
			found = true
		}
		if c.KeyFile != "" && p.PublicKey == "" {
			return fmt.Errorf("%w: %s", ErrMissingPublicKey, p.ID)
		}
	}
	if !found {
		return ErrNodeNotInRoster
	}
	if c.Stream.KafkaTopic == "" && len(c.Stream.KafkaBrokers) > 0 {
		return ErrEmptyKafkaTopic
	}
	return nil
}

// Nodes converts the roster into engine nodes.
func (c *Config) Nodes() ([]types.Node, error) {
	nodes := make([]types.Node, 0, len(c.Roster))
	for _, p := range c.Roster {
		n := types.Node{ID: p.ID, Address: p.Address}
		if p.PublicKey != "" {
			key, err := hex.DecodeString(p.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("invalid public key for %s: %w", p.ID, err)
			}
			n.PublicKey = key
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// PBFTConfig returns the engine configuration.
func (c *Config) PBFTConfig() *pbft.Config {
	pc := pbft.DefaultConfig(c.NodeID)
	pc.F = c.F
	pc.PrimaryTimeout = c.Consensus.PrimaryTimeout
	pc.PhaseTimeout = c.Consensus.PhaseTimeout
	pc.ViewChangeTimeout = c.Consensus.ViewChangeTimeout
	pc.MaxViewChangeAttempts = c.Consensus.MaxViewChangeAttempts
	pc.CheckpointInterval = c.Consensus.CheckpointInterval
	pc.WindowSize = c.Consensus.WindowSize
	pc.MaxViewLookahead = c.Consensus.MaxViewLookahead
	pc.SuspicionDecay = c.Consensus.SuspicionDecay
	pc.UnresponsiveDecay = c.Consensus.UnresponsiveDecay
	return pc
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyNodeID      = configError("node ID is required")
	ErrEmptyListenAddr  = configError("listen address is required")
	ErrEmptyRoster      = configError("roster is empty")
	ErrEmptyPeerID      = configError("roster entry without id")
	ErrDuplicatePeer    = configError("duplicate roster entry")
	ErrNodeNotInRoster  = configError("node is not in the roster")
	ErrMissingPublicKey = configError("roster entry without public key")
	ErrEmptyKafkaTopic  = configError("kafka topic is required when brokers are set")
)
