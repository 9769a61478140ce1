package node

import (
	"fmt"
	"time"

	"go.etcd.io/raft/v3"
)

// Config configures a consensus driver
type Config struct {
	// NodeID is the id of the local node (non zero)
	NodeID uint64
	// Peers are the initial members of the group (id -> rpc address), including the local node.
	// Only used when the storage is empty.
	Peers map[uint64]string
	// Join starts the node without bootstrapping a group. It waits to be added by a conf change.
	Join bool
	// TickInterval is the duration of one logical clock tick
	TickInterval time.Duration
	// ElectionTick is the number of ticks without leader contact before an election starts
	ElectionTick int
	// HeartbeatTick is the number of ticks between heartbeats of the leader
	HeartbeatTick int
	// SnapshotEntries is the number of applied entries after which a snapshot is taken (0 disables snapshots)
	SnapshotEntries uint64
	// MaxSizePerMsg limits the size of a single append message
	MaxSizePerMsg uint64
	// MaxInflightMsgs limits the number of in flight append messages per follower
	MaxInflightMsgs int
	// Logger is handed to the consensus engine, nil selects its default
	Logger raft.Logger
}

// DefaultConfig returns a config for nodeID with the default timing
func DefaultConfig(nodeID uint64, peers map[uint64]string) Config {
	return Config{
		NodeID:          nodeID,
		Peers:           peers,
		TickInterval:    100 * time.Millisecond,
		ElectionTick:    10,
		HeartbeatTick:   1,
		SnapshotEntries: 10000,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}
}

// Validate checks the config for obvious mistakes
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must be non zero")
	}
	if !c.Join {
		if _, ok := c.Peers[c.NodeID]; !ok {
			return fmt.Errorf("node %d is not part of the initial members", c.NodeID)
		}
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.HeartbeatTick <= 0 || c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("election tick (%d) must be greater than heartbeat tick (%d)", c.ElectionTick, c.HeartbeatTick)
	}
	if c.MaxInflightMsgs <= 0 {
		return fmt.Errorf("max inflight messages must be positive")
	}
	return nil
}

func (c Config) raftConfig(s raft.Storage, applied uint64) *raft.Config {
	return &raft.Config{
		ID:              c.NodeID,
		ElectionTick:    c.ElectionTick,
		HeartbeatTick:   c.HeartbeatTick,
		Storage:         s,
		Applied:         applied,
		MaxSizePerMsg:   c.MaxSizePerMsg,
		MaxInflightMsgs: c.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          c.Logger,
	}
}
