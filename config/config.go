package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// NodeInfo is one entry of config.nodes: a participant's public key and
// network address, in the fixed order the selector's weight table uses.
type NodeInfo struct {
	PublicKey string `json:"public_key"`
	Addr      string `json:"addr"`
}

// Config holds all node configuration: the ambient node/network settings
// plus the consensus parameters from the external-interfaces section.
type Config struct {
	NodeID       string     `json:"node_id"`
	DataDir      string     `json:"data_dir"`
	RPCPort      int        `json:"rpc_port"`
	P2PPort      int        `json:"p2p_port"`
	SeedPeers    []SeedPeer `json:"seed_peers,omitempty"`
	TLS          *TLSConfig `json:"tls,omitempty"`
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"`

	// Consensus parameters.
	ThreadCount        uint8      `json:"thread_count"`
	SlotDurationMS     int64      `json:"slot_duration_ms"`     // t0
	GenesisTimestampMS int64      `json:"genesis_timestamp_ms"` // G
	GenesisPublicKey   string     `json:"genesis_public_key"`
	CurrentNodeIndex   int        `json:"current_node_index"`
	Nodes              []NodeInfo `json:"nodes"`
	ParticipantWeights []uint64   `json:"participant_weights"`

	DisableBlockCreation bool `json:"disable_block_creation"`

	MaxFutureProcessingBlocks int   `json:"max_future_processing_blocks"`
	MaxDependencyBlocks       int   `json:"max_dependency_blocks"`
	AskPeerListIntervalMS     int64 `json:"ask_peer_list_interval_ms"`
	MessageTimeoutMS          int64 `json:"message_timeout_ms"`

	// FutureBlockProcessingMaxPeriods is the margin, in periods, that
	// separates InTheFuture (queued for later) from TooMuchInTheFuture
	// (dependents canceled, block itself neither stored nor discarded).
	FutureBlockProcessingMaxPeriods uint64 `json:"future_block_processing_max_periods"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,

		ThreadCount:        2,
		SlotDurationMS:     1000,
		GenesisTimestampMS: 0,
		CurrentNodeIndex:   0,
		ParticipantWeights: []uint64{1},

		MaxFutureProcessingBlocks:       100,
		MaxDependencyBlocks:             100,
		AskPeerListIntervalMS:           30000,
		MessageTimeoutMS:                5000,
		FutureBlockProcessingMaxPeriods: 10,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.ThreadCount == 0 {
		return fmt.Errorf("thread_count must be > 0")
	}
	if c.SlotDurationMS <= 0 {
		return fmt.Errorf("slot_duration_ms must be > 0")
	}
	if c.GenesisPublicKey != "" {
		if b, err := hex.DecodeString(c.GenesisPublicKey); err != nil || len(b) != 32 {
			return fmt.Errorf("genesis_public_key: must be 64-char hex (32 bytes ed25519 pubkey), got %q", c.GenesisPublicKey)
		}
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes list must not be empty")
	}
	for i, n := range c.Nodes {
		b, err := hex.DecodeString(n.PublicKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("nodes[%d].public_key: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, n.PublicKey)
		}
	}
	if len(c.ParticipantWeights) != len(c.Nodes) {
		return fmt.Errorf("participant_weights must have one entry per node, got %d weights for %d nodes", len(c.ParticipantWeights), len(c.Nodes))
	}
	if c.CurrentNodeIndex < 0 || c.CurrentNodeIndex >= len(c.Nodes) {
		return fmt.Errorf("current_node_index %d out of range [0,%d)", c.CurrentNodeIndex, len(c.Nodes))
	}
	if c.MaxFutureProcessingBlocks <= 0 {
		return fmt.Errorf("max_future_processing_blocks must be > 0")
	}
	if c.MaxDependencyBlocks <= 0 {
		return fmt.Errorf("max_dependency_blocks must be > 0")
	}
	if c.AskPeerListIntervalMS <= 0 {
		return fmt.Errorf("ask_peer_list_interval_ms must be > 0")
	}
	if c.MessageTimeoutMS <= 0 {
		return fmt.Errorf("message_timeout_ms must be > 0")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SlotDuration returns the slot duration (t0) as a time.Duration.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMS) * time.Millisecond
}

// GenesisTime returns the genesis timestamp (G) as a time.Time.
func (c *Config) GenesisTime() time.Time {
	return time.UnixMilli(c.GenesisTimestampMS).UTC()
}

// AskPeerListInterval returns the node-peer worker's AskPeerList ticker
// period.
func (c *Config) AskPeerListInterval() time.Duration {
	return time.Duration(c.AskPeerListIntervalMS) * time.Millisecond
}

// MessageTimeout returns the per-send timeout guarding node-peer writes.
func (c *Config) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutMS) * time.Millisecond
}
