package node

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/db/engines/pebble"
	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"github.com/ValentinKolb/placement/lib/raft/storage"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

// --------------------------------------------------------------------------
// In-memory network and state machine
// --------------------------------------------------------------------------

type memNetwork struct {
	mu    sync.RWMutex
	nodes map[uint64]*Node
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[uint64]*Node)}
}

func (m *memNetwork) register(id uint64, n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[id] = n
}

func (m *memNetwork) unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

func (m *memNetwork) get(id uint64) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[id]
}

type memSender struct {
	net  *memNetwork
	from uint64
}

func (s memSender) Send(msgs []pb.Message) {
	for _, msg := range msgs {
		msg := msg
		target := s.net.get(msg.To)
		if target == nil {
			if self := s.net.get(s.from); self != nil {
				self.ReportUnreachable(msg.To)
			}
			continue
		}
		go func() {
			err := target.pipeline.Step(msg)
			if msg.Type == pb.MsgSnap {
				if self := s.net.get(s.from); self != nil {
					status := raft.SnapshotFinish
					if err != nil {
						status = raft.SnapshotFailure
					}
					self.ReportSnapshot(msg.To, status)
				}
			}
		}()
	}
}

// kvApplier applies "key=value" payloads to a local store
type kvApplier struct {
	kv store.IStore
}

func (a kvApplier) Apply(data apply.StorageData) error {
	key, value, _ := strings.Cut(string(data.Value), "=")
	switch data.Type {
	case apply.StorageDataTKVSet:
		return a.kv.Set(key, []byte(value))
	case apply.StorageDataTKVDelete:
		return a.kv.Delete(key)
	default:
		return fmt.Errorf("unsupported type %s", data.Type)
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type testNode struct {
	id       uint64
	node     *Node
	engine   db.IEngine
	kv       store.IStore
	pipeline *apply.RaftMachineApply
	metadata *cluster.Metadata
}

func addr(id uint64) string {
	return fmt.Sprintf("node-%d:8080", id)
}

func peersOf(ids ...uint64) map[uint64]string {
	peers := make(map[uint64]string)
	for _, id := range ids {
		peers[id] = addr(id)
	}
	return peers
}

func newTestEngine(t *testing.T) db.IEngine {
	engine, err := pebble.NewInMemoryPebbleDB()
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func startNode(t *testing.T, net *memNetwork, engine db.IEngine, id uint64, peers map[uint64]string, join bool, snapshotEntries uint64) *testNode {
	t.Helper()

	cfg := DefaultConfig(id, peers)
	cfg.TickInterval = 10 * time.Millisecond
	cfg.SnapshotEntries = snapshotEntries
	cfg.Join = join

	pipeline := apply.NewRaftMachineApply(100, 5*time.Second)
	metadata := cluster.NewMetadata(cluster.PeerNode{NodeID: id, Addr: addr(id)}, peers)
	kv := lstore.NewLocalStore(engine)

	n, err := New(cfg, storage.New(engine), pipeline, metadata, kvApplier{kv: kv}, lstore.NewMemberStorage(engine), memSender{net: net, from: id})
	if err != nil {
		t.Fatalf("failed to create node %d: %v", id, err)
	}
	net.register(id, n)
	if err := n.Start(); err != nil {
		t.Fatalf("failed to start node %d: %v", id, err)
	}
	t.Cleanup(n.Stop)

	return &testNode{id: id, node: n, engine: engine, kv: kv, pipeline: pipeline, metadata: metadata}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForLeader(t *testing.T, nodes ...*testNode) *testNode {
	t.Helper()
	var leader *testNode
	waitFor(t, "leader election", func() bool {
		for _, n := range nodes {
			if n.metadata.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	})
	return leader
}

func set(t *testing.T, n *testNode, key, value string) {
	t.Helper()
	err := n.pipeline.ProposeCommand(apply.NewStorageData(apply.StorageDataTKVSet, []byte(key+"="+value)), "set "+key)
	if err != nil {
		t.Fatalf("set %s on node %d failed: %v", key, n.id, err)
	}
}

func hasValue(n *testNode, key, value string) bool {
	v, ok, err := n.kv.Get(key)
	return err == nil && ok && string(v) == value
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "zero id", mutate: func(c *Config) { c.NodeID = 0 }, wantErr: true},
		{name: "not a member", mutate: func(c *Config) { c.NodeID = 9 }, wantErr: true},
		{name: "joining non member", mutate: func(c *Config) { c.NodeID = 9; c.Join = true }},
		{name: "ticks", mutate: func(c *Config) { c.ElectionTick = 1 }, wantErr: true},
		{name: "tick interval", mutate: func(c *Config) { c.TickInterval = 0 }, wantErr: true},
		{name: "inflight", mutate: func(c *Config) { c.MaxInflightMsgs = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig(1, peersOf(1, 2, 3))
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestSingleNode(t *testing.T) {
	net := newMemNetwork()
	engine := newTestEngine(t)

	n := startNode(t, net, engine, 1, peersOf(1), false, 0)
	waitForLeader(t, n)

	set(t, n, "a", "1")
	set(t, n, "a", "2")
	if !hasValue(n, "a", "2") {
		t.Errorf("expected a=2 right after the proposal returned")
	}

	err := n.pipeline.ProposeCommand(apply.NewStorageData(apply.StorageDataTKVDelete, []byte("a")), "delete a")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := n.kv.Exists("a"); ok {
		t.Errorf("expected a to be deleted")
	}
	set(t, n, "b", "1")

	st := n.node.Status()
	if st.Leader != 1 || st.Role != "Leader" || st.State != "Running" || st.Applied == 0 || st.Term == 0 {
		t.Errorf("unexpected status %+v", st)
	}

	// restart on the same engine
	applied := n.node.storage.AppliedIndex()
	n.node.Stop()
	if n.metadata.State() != cluster.NodeStateStopped {
		t.Errorf("expected stopped state, got %s", n.metadata.State())
	}
	if err := n.pipeline.ProposeCommand(apply.NewStorageData(apply.StorageDataTKVSet, []byte("x=1")), "set x"); err != apply.ErrStopped {
		t.Errorf("expected ErrStopped after stop, got %v", err)
	}

	restarted := startNode(t, net, engine, 1, peersOf(1), false, 0)
	if restarted.node.storage.AppliedIndex() < applied {
		t.Errorf("applied index went backwards after restart")
	}
	waitForLeader(t, restarted)
	if !hasValue(restarted, "b", "1") {
		t.Errorf("expected b=1 to survive the restart")
	}
	set(t, restarted, "c", "1")
}

func TestThreeNodes(t *testing.T) {
	net := newMemNetwork()
	peers := peersOf(1, 2, 3)

	var nodes []*testNode
	for id := uint64(1); id <= 3; id++ {
		nodes = append(nodes, startNode(t, net, newTestEngine(t), id, peers, false, 0))
	}
	leader := waitForLeader(t, nodes...)

	set(t, leader, "a", "1")
	for _, n := range nodes {
		n := n
		waitFor(t, fmt.Sprintf("replication to node %d", n.id), func() bool { return hasValue(n, "a", "1") })
	}

	// every node agrees on the leader and knows its address
	for _, n := range nodes {
		n := n
		waitFor(t, "leader address", func() bool {
			a, ok := n.metadata.LeaderAddr()
			return ok && a == addr(leader.id)
		})
	}

	// a proposal on a follower is forwarded by the engine and applied everywhere
	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	set(t, follower, "b", "2")
	for _, n := range nodes {
		n := n
		waitFor(t, "replication of b", func() bool { return hasValue(n, "b", "2") })
	}
}

func TestSnapshotCatchUp(t *testing.T) {
	net := newMemNetwork()
	peers := peersOf(1, 2, 3)

	var nodes []*testNode
	for id := uint64(1); id <= 3; id++ {
		nodes = append(nodes, startNode(t, net, newTestEngine(t), id, peers, false, 5))
	}
	leader := waitForLeader(t, nodes...)

	for i := 0; i < 20; i++ {
		set(t, leader, fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
	if first, _ := leader.node.storage.FirstIndex(); first <= 1 {
		t.Fatalf("expected the leader log to be compacted, first index %d", first)
	}

	// node 4 joins and has to be brought up to date with a snapshot
	joiner := startNode(t, net, newTestEngine(t), 4, peersOf(4), true, 5)
	err := leader.pipeline.ProposeConfChange(pb.ConfChange{Type: pb.ConfChangeAddNode, NodeID: 4, Context: []byte(addr(4))})
	if err != nil {
		t.Fatalf("ProposeConfChange failed: %v", err)
	}
	if p, ok := leader.metadata.GetNode(4); !ok || p.Addr != addr(4) {
		t.Errorf("leader does not know node 4: %+v", p)
	}

	waitFor(t, "snapshot on node 4", func() bool {
		for i := 0; i < 20; i++ {
			if !hasValue(joiner, fmt.Sprintf("k%02d", i), fmt.Sprint(i)) {
				return false
			}
		}
		return true
	})

	// the joiner learned the member addresses from the snapshot and the log
	waitFor(t, "membership on node 4", func() bool {
		return len(joiner.metadata.NodeIDs()) == 4
	})
	p, _ := joiner.metadata.GetNode(1)
	if p.Addr != addr(1) {
		t.Errorf("joiner has address %q for node 1", p.Addr)
	}

	set(t, leader, "after", "join")
	waitFor(t, "replication to node 4", func() bool { return hasValue(joiner, "after", "join") })
}

func TestNoLeader(t *testing.T) {
	net := newMemNetwork()

	// node 2 never starts, node 1 can not win an election
	n := startNode(t, net, newTestEngine(t), 1, peersOf(1, 2), false, 0)
	time.Sleep(100 * time.Millisecond)

	err := n.pipeline.ProposeCommand(apply.NewStorageData(apply.StorageDataTKVSet, []byte("a=1")), "set a")
	if !store.IsCode(err, store.RetCNoLeader) {
		t.Errorf("expected no leader error, got %v", err)
	}
	if err := n.pipeline.TransferLeader(2); !store.IsCode(err, store.RetCNoLeader) {
		t.Errorf("expected no leader error, got %v", err)
	}
}

func TestTransferLeader(t *testing.T) {
	net := newMemNetwork()
	peers := peersOf(1, 2, 3)

	var nodes []*testNode
	for id := uint64(1); id <= 3; id++ {
		nodes = append(nodes, startNode(t, net, newTestEngine(t), id, peers, false, 0))
	}
	leader := waitForLeader(t, nodes...)

	target := nodes[0]
	if target == leader {
		target = nodes[1]
	}
	if err := leader.pipeline.TransferLeader(target.id); err != nil {
		t.Fatalf("TransferLeader failed: %v", err)
	}
	waitFor(t, "leadership transfer", target.metadata.IsLeader)

	if err := target.pipeline.TransferLeader(42); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error for unknown node, got %v", err)
	}
}

func TestStaleLeaderDoesNotBlockDriver(t *testing.T) {
	net := newMemNetwork()

	// nodes 2 and 3 never start, node 1 has no quorum
	n := startNode(t, net, newTestEngine(t), 1, peersOf(1, 2, 3), false, 0)
	time.Sleep(100 * time.Millisecond)

	// the cache still points at a leader the engine already lost
	n.metadata.SetLeader(2)

	start := time.Now()
	err := n.pipeline.ProposeCommand(apply.NewStorageData(apply.StorageDataTKVSet, []byte("a=1")), "set a")
	if !store.IsCode(err, store.RetCNoLeader) {
		t.Errorf("expected no leader error, got %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("proposal took %s, expected it to fail fast", took)
	}

	err = n.pipeline.ProposeConfChange(pb.ConfChange{Type: pb.ConfChangeAddNode, NodeID: 4, Context: []byte(addr(4))})
	if !store.IsCode(err, store.RetCNoLeader) {
		t.Errorf("expected no leader error for conf change, got %v", err)
	}

	// the driver keeps serving consensus traffic
	start = time.Now()
	if err := n.pipeline.Step(pb.Message{Type: pb.MsgHeartbeatResp, From: 2, To: 1, Term: 1}); err != nil {
		t.Errorf("Step failed: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("step took %s behind the failed proposal", took)
	}
}

func TestRestartDropsRemovedMembers(t *testing.T) {
	net := newMemNetwork()
	peers := peersOf(1, 2, 3)

	engines := map[uint64]db.IEngine{}
	var nodes []*testNode
	for id := uint64(1); id <= 3; id++ {
		engines[id] = newTestEngine(t)
		nodes = append(nodes, startNode(t, net, engines[id], id, peers, false, 0))
	}
	leader := waitForLeader(t, nodes...)

	removed := nodes[2]
	if removed == leader {
		removed = nodes[1]
	}
	if err := leader.pipeline.ProposeConfChange(pb.ConfChange{Type: pb.ConfChangeRemoveNode, NodeID: removed.id}); err != nil {
		t.Fatalf("ProposeConfChange failed: %v", err)
	}

	var survivor *testNode
	for _, n := range nodes {
		if n != removed && n != leader {
			survivor = n
		}
	}
	waitFor(t, "removal on the survivor", func() bool {
		_, ok := survivor.metadata.GetNode(removed.id)
		return !ok
	})

	// the static config still lists the removed node
	survivor.node.Stop()
	restarted := startNode(t, net, engines[survivor.id], survivor.id, peers, false, 0)
	if _, ok := restarted.metadata.GetNode(removed.id); ok {
		t.Errorf("node %d is still cached as a member after the restart", removed.id)
	}
	for _, p := range restarted.node.Status().Peers {
		if p.NodeID == removed.id {
			t.Errorf("status lists removed node %d", removed.id)
		}
	}
	if err := restarted.pipeline.TransferLeader(removed.id); err == nil {
		t.Errorf("expected leadership transfer to a removed node to fail")
	}
}
