package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Defaults and Protocol Constants
// --------------------------------------------------------------------------

const (
	// DefaultPullBatchSize caps one pull response.
	DefaultPullBatchSize = 100
	// DefaultTimeoutSecond is the deadline for every protocol request
	// and for the key exchange.
	DefaultTimeoutSecond = 30
	// DefaultSyncIntervalMs is the orchestrator tick.
	DefaultSyncIntervalMs = 5000
	// DefaultGossipMaxHops is the gossip TTL.
	DefaultGossipMaxHops = 3
	// DefaultGossipDelayMs dampens gossip storms between sends.
	DefaultGossipDelayMs = 100
	// DefaultGossipSeenRetentionMs is how long message ids are remembered.
	DefaultGossipSeenRetentionMs = 5 * 60 * 1000
	// DefaultDiscoveryIntervalMs is the LAN broadcast cadence.
	DefaultDiscoveryIntervalMs = 5000
	// DefaultElectionIntervalMs is the gateway election cadence.
	DefaultElectionIntervalMs = 5000

	// CompressionBrotli is the only negotiable payload codec.
	CompressionBrotli = "brotli"
)

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// StaticPeer is a statically configured replication partner in the form
// "nodeId=host:port".
type StaticPeer struct {
	NodeID string
	Host   string
	Port   int
}

// ServerConfig holds all configuration parameters for one node: identity,
// the sync listener, security and the timer cadences of the background
// components.
type ServerConfig struct {
	// Node identity
	NodeID string

	// Sync listener
	ListenHost string
	ListenPort int

	// Shared cluster secret presented in the application handshake
	AuthToken string

	// Secure channel (ECDH + AES-CBC + HMAC) on the sync connections
	SecureChannel bool

	// Whether to offer brotli compression in the handshake
	EnableCompression bool

	// Statically configured peers
	StaticPeers []StaticPeer

	// Timer cadences
	SyncIntervalMs      int
	GossipMaxHops       int
	GossipDelayMs       int
	DiscoveryIntervalMs int
	ElectionIntervalMs  int

	// LAN discovery broadcast port (0 disables discovery)
	DiscoveryPort int

	// Request timeout in seconds
	TimeoutSecond int

	// Storage backend ("mem" or "sqlite") and data location
	StoreBackend string
	DataDir      string

	// Logging configuration
	LogLevel string
}

// Validate checks the configuration for the errors no component can
// recover from.
func (c *ServerConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: nodeId must not be empty", ErrConfig)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: invalid listen port %d", ErrConfig, c.ListenPort)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%w: invalid discovery port %d", ErrConfig, c.DiscoveryPort)
	}
	return nil
}

// ApplyDefaults fills all zero-valued cadences with the protocol defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.SyncIntervalMs <= 0 {
		c.SyncIntervalMs = DefaultSyncIntervalMs
	}
	if c.GossipMaxHops <= 0 {
		c.GossipMaxHops = DefaultGossipMaxHops
	}
	if c.GossipDelayMs <= 0 {
		c.GossipDelayMs = DefaultGossipDelayMs
	}
	if c.DiscoveryIntervalMs <= 0 {
		c.DiscoveryIntervalMs = DefaultDiscoveryIntervalMs
	}
	if c.ElectionIntervalMs <= 0 {
		c.ElectionIntervalMs = DefaultElectionIntervalMs
	}
	if c.TimeoutSecond <= 0 {
		c.TimeoutSecond = DefaultTimeoutSecond
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", c.NodeID)

	addSection("Sync Server")
	addField("Listen", fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort))
	addField("Secure Channel", fmt.Sprintf("%t", c.SecureChannel))
	addField("Compression", fmt.Sprintf("%t", c.EnableCompression))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Storage")
	addField("Backend", c.StoreBackend)
	addField("Data Directory", c.DataDir)

	addSection("Replication")
	addField("Sync Interval", fmt.Sprintf("%d ms", c.SyncIntervalMs))
	addField("Gossip Max Hops", strconv.Itoa(c.GossipMaxHops))
	addField("Gossip Delay", fmt.Sprintf("%d ms", c.GossipDelayMs))
	addField("Discovery Port", strconv.Itoa(c.DiscoveryPort))
	addField("Discovery Interval", fmt.Sprintf("%d ms", c.DiscoveryIntervalMs))
	addField("Election Interval", fmt.Sprintf("%d ms", c.ElectionIntervalMs))

	if len(c.StaticPeers) > 0 {
		addSection("Static Peers")
		for i, peer := range c.StaticPeers {
			addField(strconv.Itoa(i), fmt.Sprintf("%s=%s:%d", peer.NodeID, peer.Host, peer.Port))
		}
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// ParseStaticPeers parses a comma-separated "nodeId=host:port" list.
func ParseStaticPeers(s string) ([]StaticPeer, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	out := make([]StaticPeer, 0)
	for _, part := range strings.Split(s, ",") {
		idAndAddr := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(idAndAddr) != 2 {
			return nil, fmt.Errorf("%w: invalid peer %q (expected nodeId=host:port)", ErrConfig, part)
		}

		hostAndPort := strings.SplitN(idAndAddr[1], ":", 2)
		if len(hostAndPort) != 2 {
			return nil, fmt.Errorf("%w: invalid peer address %q (expected host:port)", ErrConfig, idAndAddr[1])
		}
		port, err := strconv.Atoi(hostAndPort[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid peer port %q", ErrConfig, hostAndPort[1])
		}

		out = append(out, StaticPeer{
			NodeID: idAndAddr[0],
			Host:   hostAndPort[0],
			Port:   port,
		})
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds everything the sync client needs to reach one peer.
type ClientConfig struct {
	NodeID        string
	Host          string
	Port          int
	AuthToken     string
	SecureChannel bool
	Compressions  []string
	TimeoutSecond int
}

// Endpoint returns the host:port address of the peer.
func (c *ClientConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a formatted string representation of the client
// configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	sb.WriteString("\nCLIENT CONFIGURATION\n")
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addField("Node ID", c.NodeID)
	addField("Endpoint", c.Endpoint())
	addField("Secure Channel", fmt.Sprintf("%t", c.SecureChannel))
	addField("Compressions", strings.Join(c.Compressions, ", "))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	return sb.String()
}
