package network

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

var log = logger.GetLogger("network")

// DefaultQueueSize is the number of messages buffered per peer
const DefaultQueueSize = 1024

// Client delivers single consensus messages to a peer address
type Client interface {
	Vote(addr string, msg pb.Message) error
	AppendEntries(addr string, msg pb.Message) error
	InstallSnapshot(addr string, msg pb.Message) error
}

// Reporter is told about failed deliveries so the consensus engine can back off
type Reporter interface {
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
}

// Network sends the outgoing messages of the local node.
// Each peer has its own queue and worker, so a slow peer never delays the others
// and Send never blocks the consensus driver.
type Network struct {
	local     uint64
	client    Client
	metadata  *cluster.Metadata
	reporter  atomic.Pointer[Reporter]
	queueSize int

	mu      sync.Mutex
	peers   *xsync.MapOf[uint64, *peer]
	stopc   chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type peer struct {
	id    uint64
	queue chan pb.Message
}

// New creates the network of the local node. Addresses are looked up in metadata
// at delivery time, so membership changes take effect without a restart.
func New(local uint64, client Client, metadata *cluster.Metadata, queueSize int) *Network {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Network{
		local:     local,
		client:    client,
		metadata:  metadata,
		queueSize: queueSize,
		peers:     xsync.NewMapOf[uint64, *peer](),
		stopc:     make(chan struct{}),
	}
}

// SetReporter sets the receiver of delivery failures. Usually this is the raft node,
// which itself needs the network on construction.
func (n *Network) SetReporter(r Reporter) {
	n.reporter.Store(&r)
}

// Send queues msgs for delivery. Messages for a peer with a full queue are dropped
// and the peer is reported unreachable.
func (n *Network) Send(msgs []pb.Message) {
	for _, msg := range msgs {
		if msg.To == n.local || msg.To == 0 {
			continue
		}

		p, ok := n.peer(msg.To)
		if !ok {
			return
		}

		select {
		case p.queue <- msg:
		default:
			metrics.GetOrCreateCounter(`placement_network_dropped_total`).Inc()
			log.Warningf("queue to node %d is full, dropping %s", msg.To, msg.Type)
			n.fail(msg)
		}
	}
}

// Stop stops all workers. Queued messages are discarded.
func (n *Network) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopc)
	n.mu.Unlock()

	n.wg.Wait()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// peer returns the queue of id, starting its worker on first use.
// It returns false once the network is stopped.
func (n *Network) peer(id uint64) (*peer, bool) {
	if p, ok := n.peers.Load(id); ok {
		return p, true
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, false
	}

	p, loaded := n.peers.LoadOrCompute(id, func() *peer {
		return &peer{id: id, queue: make(chan pb.Message, n.queueSize)}
	})
	if !loaded {
		n.wg.Add(1)
		go n.run(p)
	}
	return p, true
}

func (n *Network) run(p *peer) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopc:
			return
		case msg := <-p.queue:
			n.deliver(msg)
		}
	}
}

// deliver sends one message and reports the outcome
func (n *Network) deliver(msg pb.Message) {
	node, ok := n.metadata.GetNode(msg.To)
	if !ok || node.Addr == "" {
		log.Debugf("no address for node %d, dropping %s", msg.To, msg.Type)
		n.fail(msg)
		return
	}

	var err error
	switch msg.Type {
	case pb.MsgVote, pb.MsgVoteResp, pb.MsgPreVote, pb.MsgPreVoteResp:
		err = n.client.Vote(node.Addr, msg)
	case pb.MsgSnap:
		err = n.client.InstallSnapshot(node.Addr, msg)
	default:
		err = n.client.AppendEntries(node.Addr, msg)
	}

	if err != nil {
		metrics.GetOrCreateCounter(`placement_network_failures_total`).Inc()
		log.Debugf("failed to send %s to node %d at %s: %v", msg.Type, msg.To, node.Addr, err)
		n.fail(msg)
		return
	}

	metrics.GetOrCreateCounter(`placement_network_sent_total`).Inc()
	if msg.Type == pb.MsgSnap {
		if msg.Snapshot != nil {
			log.Infof("snapshot at index %d sent to node %d", msg.Snapshot.Metadata.Index, msg.To)
		}
		if r := n.loadReporter(); r != nil {
			r.ReportSnapshot(msg.To, raft.SnapshotFinish)
		}
	}
}

// fail reports a message that could not be delivered
func (n *Network) fail(msg pb.Message) {
	r := n.loadReporter()
	if r == nil {
		return
	}
	if msg.Type == pb.MsgSnap {
		r.ReportSnapshot(msg.To, raft.SnapshotFailure)
	}
	r.ReportUnreachable(msg.To)
}

func (n *Network) loadReporter() Reporter {
	if r := n.reporter.Load(); r != nil {
		return *r
	}
	return nil
}
