package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"github.com/ValentinKolb/placement/rpc/client"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/ValentinKolb/placement/rpc/serializer"
	"github.com/ValentinKolb/placement/rpc/transport"
	"go.etcd.io/raft/v3/raftpb"
)

// --------------------------------------------------------------------------
// Loopback transport
// --------------------------------------------------------------------------

// loopNetwork connects in process servers by address
type loopNetwork struct {
	mu       sync.RWMutex
	handlers map[string]transport.ServerHandleFunc
}

func newLoopNetwork() *loopNetwork {
	return &loopNetwork{handlers: make(map[string]transport.ServerHandleFunc)}
}

func (n *loopNetwork) attach(addr string, h transport.ServerHandleFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

func (n *loopNetwork) detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

func (n *loopNetwork) get(addr string) (transport.ServerHandleFunc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[addr]
	return h, ok
}

func (n *loopNetwork) factory() transport.IRPCClientTransport {
	return &loopClient{net: n}
}

// loopClient calls the handler of the server at its endpoint directly
type loopClient struct {
	net    *loopNetwork
	addr   string
	closed atomic.Bool
}

func (c *loopClient) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	c.addr = config.Transport.Endpoints[0]
	if _, ok := c.net.get(c.addr); !ok {
		return fmt.Errorf("connection refused: %s", c.addr)
	}
	return nil
}

func (c *loopClient) Send(serviceID uint64, req []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	h, ok := c.net.get(c.addr)
	if !ok {
		return nil, fmt.Errorf("connection reset: %s", c.addr)
	}
	return h(serviceID, req), nil
}

func (c *loopClient) Healthy() bool {
	_, ok := c.net.get(c.addr)
	return ok && !c.closed.Load()
}

func (c *loopClient) Close() error {
	c.closed.Store(true)
	return nil
}

// loopServer only records the handler, requests arrive through loopNetwork
type loopServer struct {
	handler transport.ServerHandleFunc
}

func (s *loopServer) RegisterHandler(handler transport.ServerHandleFunc) {
	s.handler = handler
}

func (s *loopServer) Listen(common.ServerConfig) error {
	return errors.New("loop server does not listen")
}

func (s *loopServer) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func addr(id uint64) string {
	return fmt.Sprintf("node-%d", id)
}

func members(ids ...uint64) map[uint64]string {
	m := make(map[uint64]string)
	for _, id := range ids {
		m[id] = addr(id)
	}
	return m
}

func testConfig(id uint64, members map[uint64]string) common.ServerConfig {
	return common.ServerConfig{
		NodeID:              id,
		ClusterName:         "test",
		ClusterMembers:      members,
		RTTMillisecond:      10,
		SnapshotEntries:     1000,
		CommitTimeoutSecond: 5,
		TimeoutSecond:       2,
		MaxConnections:      4,
		RetryCount:          3,
		RetryBackoffMillis:  20,
		Transport:           common.ServerTransportConfig{Endpoint: addr(id)},
		LogLevel:            "error",
	}
}

func startServer(t *testing.T, net *loopNetwork, config common.ServerConfig) *RPCServer {
	t.Helper()

	s, err := NewRPCServer(config, &loopServer{}, serializer.NewBinarySerializer(), net.factory)
	if err != nil {
		t.Fatalf("failed to create server %d: %v", config.NodeID, err)
	}
	a := addr(config.NodeID)
	net.attach(a, s.Handler())
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server %d: %v", config.NodeID, err)
	}
	t.Cleanup(func() {
		net.detach(a)
		_ = s.Close()
	})
	return s
}

func startCluster(t *testing.T, net *loopNetwork, mutate func(*common.ServerConfig), ids ...uint64) []*RPCServer {
	t.Helper()
	m := members(ids...)
	servers := make([]*RPCServer, 0, len(ids))
	for _, id := range ids {
		config := testConfig(id, m)
		if mutate != nil {
			mutate(&config)
		}
		servers = append(servers, startServer(t, net, config))
	}
	return servers
}

func newTestPool(t *testing.T, net *loopNetwork) *client.ClientPool {
	t.Helper()
	config := common.DefaultClientConfig()
	config.RetryBackoffMillis = 20
	config.TimeoutSecond = 2
	pool := client.NewClientPool(config, net.factory, serializer.NewBinarySerializer())
	t.Cleanup(func() { _ = pool.Close() })
	return pool
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

func waitForLeader(t *testing.T, servers []*RPCServer) (leader *RPCServer, followers []*RPCServer) {
	t.Helper()
	waitFor(t, "leader election", func() bool {
		leader = nil
		for _, s := range servers {
			if s.metadata.IsLeader() {
				leader = s
			}
		}
		if leader == nil {
			return false
		}
		// every member must know the leader before requests are forwarded
		for _, s := range servers {
			if s.metadata.Leader() != leader.config.NodeID {
				return false
			}
		}
		return true
	})
	for _, s := range servers {
		if s != leader {
			followers = append(followers, s)
		}
	}
	return leader, followers
}

func addrOf(s *RPCServer) string {
	return addr(s.config.NodeID)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestKVThroughFollower(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	_, followers := waitForLeader(t, servers)
	pool := newTestPool(t, net)

	follower := []string{addrOf(followers[0])}
	if err := pool.KVSet(follower, "a", []byte("1")); err != nil {
		t.Fatalf("set through follower failed: %v", err)
	}
	if err := pool.KVSet(follower, "a", []byte("2")); err != nil {
		t.Fatalf("overwrite through follower failed: %v", err)
	}

	for _, s := range servers {
		target := []string{addrOf(s)}
		waitFor(t, fmt.Sprintf("replication to node %d", s.config.NodeID), func() bool {
			v, ok, err := pool.KVGet(target, "a")
			return err == nil && ok && string(v) == "2"
		})
	}

	if err := pool.KVDelete(follower, "a"); err != nil {
		t.Fatalf("delete through follower failed: %v", err)
	}
	for _, s := range servers {
		target := []string{addrOf(s)}
		waitFor(t, fmt.Sprintf("delete on node %d", s.config.NodeID), func() bool {
			ok, err := pool.KVExists(target, "a")
			return err == nil && !ok
		})
	}
}

func TestKVValidation(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	leader, _ := waitForLeader(t, servers)
	pool := newTestPool(t, net)
	addrs := []string{addrOf(leader)}

	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{"empty key", "", []byte("v")},
		{"empty value", "k", nil},
		{"zero byte in key", "a\x00b", []byte("v")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			err := pool.KVSet(addrs, tt.key, tt.value)
			if !store.IsCode(err, store.RetCValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if time.Since(start) > time.Second {
				t.Errorf("validation errors must not be retried")
			}
		})
	}

	if err := pool.KVDelete(addrs, ""); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error for delete, got %v", err)
	}
}

func TestStrictReads(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, func(c *common.ServerConfig) { c.StrictReads = true }, 1, 2, 3)
	leader, followers := waitForLeader(t, servers)
	pool := newTestPool(t, net)

	if err := pool.KVSet([]string{addrOf(leader)}, "strict", []byte("yes")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// the read is served by the leader, which applied the write before answering
	for _, f := range followers {
		v, ok, err := pool.KVGet([]string{addrOf(f)}, "strict")
		if err != nil || !ok || string(v) != "yes" {
			t.Errorf("strict read on node %d: got %q, %v, %v", f.config.NodeID, v, ok, err)
		}
		exists, err := pool.KVExists([]string{addrOf(f)}, "strict")
		if err != nil || !exists {
			t.Errorf("strict exists on node %d: got %v, %v", f.config.NodeID, exists, err)
		}
	}
}

func TestNoLeader(t *testing.T) {
	net := newLoopNetwork()

	// node 2 never starts, so node 1 can not win an election
	config := testConfig(1, members(1, 2))
	config.RetryCount = 0
	s := startServer(t, net, config)
	pool := newTestPool(t, net)

	err := pool.KVSet([]string{addrOf(s)}, "a", []byte("1"))
	if !store.IsCode(err, store.RetCNoLeader) {
		t.Fatalf("expected no leader error, got %v", err)
	}
}

func TestNodeRegistry(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	_, followers := waitForLeader(t, servers)
	pool := newTestPool(t, net)
	follower := []string{addrOf(followers[0])}

	broker := lstore.BrokerNode{
		ClusterName:   "mqtt",
		ClusterType:   "broker",
		NodeID:        7,
		NodeIP:        "10.0.0.7",
		NodeInnerAddr: "10.0.0.7:1228",
	}
	if err := pool.RegisterNode(follower, broker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := pool.RegisterNode(follower, lstore.BrokerNode{ClusterName: "a/b", ClusterType: "broker", NodeID: 8}); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error for a name with '/', got %v", err)
	}
	if err := pool.RegisterNode(follower, lstore.BrokerNode{NodeID: 8}); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error for a node without cluster, got %v", err)
	}

	for _, s := range servers {
		target := []string{addrOf(s)}
		waitFor(t, fmt.Sprintf("registry on node %d", s.config.NodeID), func() bool {
			nodes, err := pool.ListNodes(target, "mqtt")
			return err == nil && len(nodes) == 1 && nodes[0].NodeInnerAddr == broker.NodeInnerAddr
		})
	}

	if err := pool.UnregisterNode(follower, "mqtt", 7); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	for _, s := range servers {
		target := []string{addrOf(s)}
		waitFor(t, fmt.Sprintf("unregister on node %d", s.config.NodeID), func() bool {
			nodes, err := pool.ListNodes(target, "mqtt")
			return err == nil && len(nodes) == 0
		})
	}
}

func TestStatus(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	leader, followers := waitForLeader(t, servers)
	pool := newTestPool(t, net)

	status, err := pool.Status(addrOf(followers[0]))
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.NodeID != followers[0].config.NodeID {
		t.Errorf("expected node id %d, got %d", followers[0].config.NodeID, status.NodeID)
	}
	if status.Leader != leader.config.NodeID {
		t.Errorf("expected leader %d, got %d", leader.config.NodeID, status.Leader)
	}
	if len(status.Peers) != 3 {
		t.Errorf("expected 3 peers, got %d", len(status.Peers))
	}
	if status.Term == 0 {
		t.Errorf("expected a non zero term")
	}
}

func TestTransferLeader(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	_, followers := waitForLeader(t, servers)
	pool := newTestPool(t, net)

	target := followers[1]
	if err := pool.TransferLeader([]string{addrOf(followers[0])}, target.config.NodeID); err != nil {
		t.Fatalf("transfer leader failed: %v", err)
	}
	waitFor(t, "leadership transfer", target.metadata.IsLeader)

	if err := pool.TransferLeader([]string{addrOf(target)}, 0); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error for transferee 0, got %v", err)
	}
}

func TestAddMember(t *testing.T) {
	net := newLoopNetwork()
	servers := startCluster(t, net, nil, 1, 2, 3)
	leader, _ := waitForLeader(t, servers)
	pool := newTestPool(t, net)
	addrs := []string{addrOf(leader)}

	if err := pool.KVSet(addrs, "before", []byte("join")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	config := testConfig(4, members(1, 2, 3))
	config.Join = true
	joiner := startServer(t, net, config)

	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 4, Context: []byte(addr(4))}
	if err := pool.SendRaftConfChange(addrs, cc); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	waitFor(t, "replication to node 4", func() bool {
		v, ok, err := pool.KVGet([]string{addrOf(joiner)}, "before")
		return err == nil && ok && string(v) == "join"
	})
	waitFor(t, "membership on node 4", func() bool {
		_, ok := joiner.metadata.GetNode(1)
		return ok && len(joiner.Status().Peers) == 4
	})

	bad := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 5}
	if err := pool.SendRaftConfChange(addrs, bad); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error without address, got %v", err)
	}
}

func TestHandlerErrors(t *testing.T) {
	net := newLoopNetwork()
	s := startServer(t, net, testConfig(1, members(1)))
	handle := s.Handler()
	ser := serializer.NewBinarySerializer()

	decode := func(t *testing.T, data []byte) *common.Message {
		t.Helper()
		var msg common.Message
		if err := ser.Deserialize(data, &msg); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return &msg
	}

	req, _ := ser.Serialize(*common.NewGetRequest("a"))

	tests := []struct {
		name    string
		service uint64
		req     []byte
		code    store.RetCode
	}{
		{"unknown service", 99, req, store.RetCUnsupportedOperation},
		{"garbage request", common.ServiceKV, []byte{0xff}, store.RetCDecode},
		{"wrong service", common.ServiceRaft, req, store.RetCUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decode(t, handle(tt.service, tt.req))
			if !store.IsCode(resp.ResponseError(), tt.code) {
				t.Errorf("expected code %s, got %v", tt.code, resp.ResponseError())
			}
		})
	}

	raftReq, _ := ser.Serialize(*common.NewRaftRequest(common.MsgTRaftAppend, []byte{0xff, 0xff}))
	resp := decode(t, handle(common.ServiceRaft, raftReq))
	if !store.IsCode(resp.ResponseError(), store.RetCDecode) {
		t.Errorf("expected decode error for a broken raft message, got %v", resp.ResponseError())
	}
}

func TestSingleNodeRestart(t *testing.T) {
	dir := t.TempDir()
	net := newLoopNetwork()
	pool := newTestPool(t, net)

	config := testConfig(1, members(1))
	config.DataDir = dir

	s, err := NewRPCServer(config, &loopServer{}, serializer.NewBinarySerializer(), net.factory)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	net.attach(addr(1), s.Handler())
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	waitFor(t, "leader election", s.metadata.IsLeader)

	if err := pool.KVSet([]string{addr(1)}, "durable", []byte("value")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	net.detach(addr(1))
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	restarted := startServer(t, net, config)
	waitFor(t, "leader election after restart", restarted.metadata.IsLeader)

	v, ok, err := pool.KVGet([]string{addr(1)}, "durable")
	if err != nil || !ok || string(v) != "value" {
		t.Fatalf("expected durable value after restart, got %q, %v, %v", v, ok, err)
	}
}
