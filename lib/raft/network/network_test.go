package network

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type call struct {
	method string
	addr   string
	msg    pb.Message
}

type fakeClient struct {
	mu    sync.Mutex
	calls []call
	err   error
	gate  chan struct{} // if set, every call waits for a value
}

func (c *fakeClient) record(method, addr string, msg pb.Message) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{method: method, addr: addr, msg: msg})
	return c.err
}

func (c *fakeClient) Vote(addr string, msg pb.Message) error {
	return c.record("Vote", addr, msg)
}

func (c *fakeClient) AppendEntries(addr string, msg pb.Message) error {
	return c.record("AppendEntries", addr, msg)
}

func (c *fakeClient) InstallSnapshot(addr string, msg pb.Message) error {
	return c.record("InstallSnapshot", addr, msg)
}

func (c *fakeClient) recorded() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.calls...)
}

type fakeReporter struct {
	mu          sync.Mutex
	unreachable []uint64
	snapshots   map[uint64]raft.SnapshotStatus
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{snapshots: make(map[uint64]raft.SnapshotStatus)}
}

func (r *fakeReporter) ReportUnreachable(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = append(r.unreachable, id)
}

func (r *fakeReporter) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[id] = status
}

func (r *fakeReporter) unreachableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unreachable)
}

func (r *fakeReporter) snapshot(id uint64) (raft.SnapshotStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[id]
	return s, ok
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func newTestNetwork(t *testing.T, c Client, queueSize int) (*Network, *fakeReporter) {
	t.Helper()
	metadata := cluster.NewMetadata(cluster.PeerNode{NodeID: 1, Addr: "node-1"}, map[uint64]string{
		2: "node-2",
		3: "node-3",
	})
	n := New(1, c, metadata, queueSize)
	r := newFakeReporter()
	n.SetReporter(r)
	t.Cleanup(n.Stop)
	return n, r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestRouting(t *testing.T) {
	tests := []struct {
		msgType pb.MessageType
		method  string
	}{
		{pb.MsgVote, "Vote"},
		{pb.MsgVoteResp, "Vote"},
		{pb.MsgPreVote, "Vote"},
		{pb.MsgPreVoteResp, "Vote"},
		{pb.MsgApp, "AppendEntries"},
		{pb.MsgAppResp, "AppendEntries"},
		{pb.MsgHeartbeat, "AppendEntries"},
		{pb.MsgTimeoutNow, "AppendEntries"},
		{pb.MsgSnap, "InstallSnapshot"},
	}

	for _, tt := range tests {
		t.Run(tt.msgType.String(), func(t *testing.T) {
			c := &fakeClient{}
			n, _ := newTestNetwork(t, c, 0)

			n.Send([]pb.Message{{Type: tt.msgType, From: 1, To: 2, Term: 3}})

			waitFor(t, "delivery", func() bool { return len(c.recorded()) == 1 })
			got := c.recorded()[0]
			if got.method != tt.method {
				t.Errorf("expected %s, got %s", tt.method, got.method)
			}
			if got.addr != "node-2" {
				t.Errorf("expected address node-2, got %s", got.addr)
			}
			if got.msg.Term != 3 {
				t.Errorf("expected term 3, got %d", got.msg.Term)
			}
		})
	}
}

func TestOrderPerPeer(t *testing.T) {
	c := &fakeClient{}
	n, _ := newTestNetwork(t, c, 0)

	var msgs []pb.Message
	for i := uint64(1); i <= 50; i++ {
		msgs = append(msgs, pb.Message{Type: pb.MsgApp, From: 1, To: 2, Index: i})
	}
	n.Send(msgs)

	waitFor(t, "all deliveries", func() bool { return len(c.recorded()) == 50 })
	for i, call := range c.recorded() {
		if call.msg.Index != uint64(i+1) {
			t.Fatalf("message %d delivered out of order (index %d)", i, call.msg.Index)
		}
	}
}

func TestSkipsLocalNode(t *testing.T) {
	c := &fakeClient{}
	n, r := newTestNetwork(t, c, 0)

	n.Send([]pb.Message{
		{Type: pb.MsgApp, From: 1, To: 1},
		{Type: pb.MsgApp, From: 1, To: 3},
	})

	waitFor(t, "delivery to node 3", func() bool { return len(c.recorded()) == 1 })
	if got := c.recorded()[0].addr; got != "node-3" {
		t.Errorf("expected delivery to node-3, got %s", got)
	}
	if r.unreachableCount() != 0 {
		t.Errorf("expected no unreachable reports")
	}
}

func TestFailureReportsUnreachable(t *testing.T) {
	c := &fakeClient{err: errors.New("connection refused")}
	n, r := newTestNetwork(t, c, 0)

	n.Send([]pb.Message{{Type: pb.MsgHeartbeat, From: 1, To: 2}})

	waitFor(t, "unreachable report", func() bool { return r.unreachableCount() == 1 })
	if _, ok := r.snapshot(2); ok {
		t.Errorf("expected no snapshot report for a heartbeat")
	}
}

func TestUnknownPeer(t *testing.T) {
	c := &fakeClient{}
	n, r := newTestNetwork(t, c, 0)

	n.Send([]pb.Message{{Type: pb.MsgApp, From: 1, To: 9}})

	waitFor(t, "unreachable report", func() bool { return r.unreachableCount() == 1 })
	if len(c.recorded()) != 0 {
		t.Errorf("expected no delivery to an unknown peer")
	}
}

func TestSnapshotStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status raft.SnapshotStatus
	}{
		{"finish", nil, raft.SnapshotFinish},
		{"failure", fmt.Errorf("broken pipe"), raft.SnapshotFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{err: tt.err}
			n, r := newTestNetwork(t, c, 0)

			snap := pb.Snapshot{Metadata: pb.SnapshotMetadata{Index: 10, Term: 2}}
			n.Send([]pb.Message{{Type: pb.MsgSnap, From: 1, To: 3, Snapshot: &snap}})

			waitFor(t, "snapshot report", func() bool {
				_, ok := r.snapshot(3)
				return ok
			})
			if got, _ := r.snapshot(3); got != tt.status {
				t.Errorf("expected status %v, got %v", tt.status, got)
			}
		})
	}
}

func TestFullQueueDrops(t *testing.T) {
	c := &fakeClient{gate: make(chan struct{})}
	n, r := newTestNetwork(t, c, 1)

	// the worker blocks on the first message, the second fills the queue
	n.Send([]pb.Message{{Type: pb.MsgApp, From: 1, To: 2, Index: 1}})
	waitFor(t, "worker to pick up the first message", func() bool {
		p, ok := n.peers.Load(2)
		return ok && len(p.queue) == 0
	})
	n.Send([]pb.Message{
		{Type: pb.MsgApp, From: 1, To: 2, Index: 2},
		{Type: pb.MsgApp, From: 1, To: 2, Index: 3},
	})

	if got := r.unreachableCount(); got != 1 {
		t.Errorf("expected 1 unreachable report for the dropped message, got %d", got)
	}

	close(c.gate)
	waitFor(t, "remaining deliveries", func() bool { return len(c.recorded()) == 2 })
	for _, call := range c.recorded() {
		if call.msg.Index == 3 {
			t.Errorf("dropped message was delivered")
		}
	}
}

func TestStop(t *testing.T) {
	c := &fakeClient{}
	n, _ := newTestNetwork(t, c, 0)

	n.Send([]pb.Message{{Type: pb.MsgApp, From: 1, To: 2}})
	waitFor(t, "delivery", func() bool { return len(c.recorded()) == 1 })

	n.Stop()
	n.Stop()

	// sending after stop is a no-op
	n.Send([]pb.Message{{Type: pb.MsgApp, From: 1, To: 3}})
	time.Sleep(20 * time.Millisecond)
	if len(c.recorded()) != 1 {
		t.Errorf("expected no delivery after stop")
	}
}

func TestWithoutReporter(t *testing.T) {
	c := &fakeClient{err: errors.New("down")}
	metadata := cluster.NewMetadata(cluster.PeerNode{NodeID: 1, Addr: "node-1"}, map[uint64]string{2: "node-2"})
	n := New(1, c, metadata, 0)
	defer n.Stop()

	n.Send([]pb.Message{{Type: pb.MsgSnap, From: 1, To: 2, Snapshot: &pb.Snapshot{}}})
	waitFor(t, "delivery attempt", func() bool { return len(c.recorded()) == 1 })
}
