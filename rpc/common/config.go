package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/placement/lib/raft/node"
)

// --------------------------------------------------------------------------
// helper functions to interface with the consensus driver
// --------------------------------------------------------------------------

// The consensus engine counts time in ticks of RTTMillisecond.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

const (
	DefaultRetryCount         = 3
	DefaultRetryBackoffMillis = 2000
	DefaultMaxConnections     = 16
	DefaultTimeoutSecond      = 5
	DefaultCommitTimeoutSec   = 30
)

// ToNodeConfig converts the ServerConfig to the config of the consensus driver
func (c *ServerConfig) ToNodeConfig() node.Config {
	cfg := node.DefaultConfig(c.NodeID, c.ClusterMembers)
	cfg.Join = c.Join
	cfg.TickInterval = time.Duration(c.RTTMillisecond) * time.Millisecond
	cfg.ElectionTick = electionRTTFactor
	cfg.HeartbeatTick = heartbeatRTTFactor
	cfg.SnapshotEntries = c.SnapshotEntries
	return cfg
}

// ToClientConfig returns the config used for connections to other members
func (c *ServerConfig) ToClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond:      c.TimeoutSecond,
		MaxConnections:     c.MaxConnections,
		RetryCount:         c.RetryCount,
		RetryBackoffMillis: c.RetryBackoffMillis,
		Transport: ClientTransportConfig{
			RetryCount:             1,
			ConnectionsPerEndpoint: 1,
			SocketConf:             c.Transport.SocketConf,
			TCPConf:                c.Transport.TCPConf,
		},
	}
}

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds socket buffer options (tcp and unix)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ServerTransportConfig configures the listening side of a transport
type ServerTransportConfig struct {
	Endpoint string
	SocketConf
	TCPConf
}

// ClientTransportConfig configures the dialing side of a transport
type ClientTransportConfig struct {
	// Endpoints are used round robin
	Endpoints []string
	// ConnectionsPerEndpoint is the number of sockets opened per endpoint
	ConnectionsPerEndpoint int
	// RetryCount is the number of attempts a single Send makes
	RetryCount int
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a placement center node.
type ServerConfig struct {
	// Node identity
	NodeID         uint64
	ClusterName    string
	ClusterMembers map[uint64]string // node id -> rpc endpoint, including this node
	Join           bool              // start without bootstrapping, wait to be added

	// Consensus parameters
	RTTMillisecond      uint64
	SnapshotEntries     uint64
	CommitTimeoutSecond int64
	DataDir             string // empty keeps all data in memory

	// Peer connections
	TimeoutSecond      int64
	MaxConnections     int
	RetryCount         int
	RetryBackoffMillis int64

	// Reads
	StrictReads bool // forward Get/Exists to the leader

	// RPC transport
	Transport ServerTransportConfig

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// Validate checks the configuration for obvious mistakes
func (c *ServerConfig) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must be non zero")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !c.Join {
		if _, ok := c.ClusterMembers[c.NodeID]; !ok {
			return fmt.Errorf("node %d is not part of the cluster members", c.NodeID)
		}
	}
	if c.RTTMillisecond == 0 {
		return fmt.Errorf("rtt must be positive")
	}
	if c.TimeoutSecond <= 0 || c.CommitTimeoutSecond <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.RetryCount < 0 || c.RetryBackoffMillis < 0 {
		return fmt.Errorf("retry count and backoff cannot be negative")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return c.ToNodeConfig().Validate()
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

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Strict Reads", strconv.FormatBool(c.StrictReads))

	// Observability
	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Metrics Endpoint", c.MetricsEndpoint)

	// Node Identity
	addSection("Node Identity")
	addField("Cluster Name", c.ClusterName)
	addField("Node ID", strconv.FormatUint(c.NodeID, 10))
	addField("Join", strconv.FormatBool(c.Join))

	// RAFT parameters
	addSection("RAFT Parameters")
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Check Quorum", fmt.Sprintf("%t", true))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Commit Timeout", fmt.Sprintf("%d sec", c.CommitTimeoutSecond))

	// Peer connections
	addSection("Peer Connections")
	addField("Max Connections", strconv.Itoa(c.MaxConnections))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Retry Backoff", fmt.Sprintf("%d ms", c.RetryBackoffMillis))

	// Storage
	addSection("Storage")
	if c.DataDir == "" {
		addField("Data Directory", "(in memory)")
	} else {
		addField("Data Directory", c.DataDir)
	}

	addSection("Cluster Members")

	// Sort keys for consistent output
	var keys []uint64
	for k := range c.ClusterMembers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	// TimeoutSecond bounds a single request (and the wait for a pooled connection)
	TimeoutSecond int64
	// MaxConnections bounds the connections per (service, address) pair
	MaxConnections int
	// RetryCount is the number of retries of RetryCall after the first attempt
	RetryCount int
	// RetryBackoffMillis is the base of the linear backoff between retries
	RetryBackoffMillis int64
	// Transport configures the individual connections
	Transport ClientTransportConfig
}

// DefaultClientConfig returns the config used by the command line client
func DefaultClientConfig(endpoints ...string) ClientConfig {
	return ClientConfig{
		TimeoutSecond:      DefaultTimeoutSecond,
		MaxConnections:     DefaultMaxConnections,
		RetryCount:         DefaultRetryCount,
		RetryBackoffMillis: DefaultRetryBackoffMillis,
		Transport: ClientTransportConfig{
			Endpoints:              endpoints,
			ConnectionsPerEndpoint: 1,
			RetryCount:             1,
			TCPConf: TCPConf{
				TCPNoDelay:   true,
				TCPLingerSec: -1,
			},
		},
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Max Connections", strconv.Itoa(c.MaxConnections))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Retry Backoff", fmt.Sprintf("%d ms", c.RetryBackoffMillis))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
