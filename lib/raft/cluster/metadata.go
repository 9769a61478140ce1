package cluster

import (
	"sort"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cluster")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Role is the consensus role of the local node
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RolePreCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RolePreCandidate:
		return "PreCandidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// NodeState is the lifecycle state of the local node
type NodeState int

const (
	NodeStateStarting NodeState = iota
	NodeStateRunning
	NodeStateStopping
	NodeStateStopped
)

func (s NodeState) String() string {
	switch s {
	case NodeStateStarting:
		return "Starting"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopping:
		return "Stopping"
	case NodeStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// PeerNode is one member of the consensus group
type PeerNode struct {
	NodeID uint64 `json:"node_id"`
	Addr   string `json:"addr"`
	Role   Role   `json:"role"`
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

// Metadata is the in-memory cache of the consensus group as seen by the local node.
// It may be briefly stale after leadership changes.
type Metadata struct {
	mu     sync.RWMutex
	local  PeerNode
	leader uint64 // 0 if unknown
	state  NodeState
	peers  map[uint64]PeerNode
}

// NewMetadata creates the cache from the static configuration.
// The local node is always part of the peers.
func NewMetadata(local PeerNode, peers map[uint64]string) *Metadata {
	m := &Metadata{
		local: local,
		state: NodeStateStarting,
		peers: make(map[uint64]PeerNode, len(peers)+1),
	}
	for id, addr := range peers {
		m.peers[id] = PeerNode{NodeID: id, Addr: addr, Role: RoleFollower}
	}
	m.peers[local.NodeID] = local
	return m
}

// AddPeer adds or updates a peer
func (m *Metadata) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		p = PeerNode{NodeID: id, Role: RoleFollower}
		log.Infof("added peer %d (%s)", id, addr)
	}
	p.Addr = addr
	m.peers[id] = p
	if id == m.local.NodeID {
		m.local.Addr = addr
	}
}

// RemovePeer removes a peer. If it was the leader, the leader becomes unknown.
func (m *Metadata) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[id]; !ok {
		return
	}
	delete(m.peers, id)
	if m.leader == id {
		m.leader = 0
	}
	log.Infof("removed peer %d", id)
}

// SetRole sets the role of the local node
func (m *Metadata) SetRole(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local.Role != role {
		log.Infof("node %d changed role %s -> %s", m.local.NodeID, m.local.Role, role)
	}
	m.local.Role = role
	if p, ok := m.peers[m.local.NodeID]; ok {
		p.Role = role
		m.peers[m.local.NodeID] = p
	}
}

// SetLeader records the current leader (0 = unknown) and updates the peer roles
func (m *Metadata) SetLeader(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader == id {
		return
	}
	if old, ok := m.peers[m.leader]; ok && m.leader != m.local.NodeID {
		old.Role = RoleFollower
		m.peers[m.leader] = old
	}
	m.leader = id
	if p, ok := m.peers[id]; ok && id != m.local.NodeID {
		p.Role = RoleLeader
		m.peers[id] = p
	}
	log.Infof("leader is now %d", id)
}

// SetState sets the lifecycle state of the local node
func (m *Metadata) SetState(state NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// State returns the lifecycle state of the local node
func (m *Metadata) State() NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLeader returns whether the local node is the leader
func (m *Metadata) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Role == RoleLeader
}

// Leader returns the id of the current leader, 0 if unknown
func (m *Metadata) Leader() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader
}

// LeaderAddr returns the address of the current leader
func (m *Metadata) LeaderAddr() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == 0 {
		return "", false
	}
	p, ok := m.peers[m.leader]
	if !ok || p.Addr == "" {
		return "", false
	}
	return p.Addr, true
}

// LeaderAlive returns whether a leader is known and the local node is running
func (m *Metadata) LeaderAlive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader != 0 && m.state == NodeStateRunning
}

// Role returns the role of the local node
func (m *Metadata) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Role
}

// Local returns the local node
func (m *Metadata) Local() PeerNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

// GetNode returns a peer by id
func (m *Metadata) GetNode(id uint64) (PeerNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// NodeIDs returns the ids of all peers (including the local node) in ascending order
func (m *Metadata) NodeIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Peers returns a copy of all peers ordered by id
func (m *Metadata) Peers() []PeerNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PeerNode, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
