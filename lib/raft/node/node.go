package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"github.com/ValentinKolb/placement/lib/raft/storage"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

var log = logger.GetLogger("raftnode")

// engineCallTicks bounds a single call into the consensus engine
const engineCallTicks = 5

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Sender delivers consensus messages to peers. Send must not block.
type Sender interface {
	Send(msgs []pb.Message)
}

// Applier applies committed commands to the state machine, strictly in commit order
type Applier interface {
	Apply(data apply.StorageData) error
}

// MemberStore persists the addresses of the group members next to the state machine
type MemberStore interface {
	SaveMember(nodeID uint64, addr string) error
	DeleteMember(nodeID uint64) error
	ListMembers() (map[uint64]string, error)
}

// Status is a point in time view of the local node
type Status struct {
	NodeID     uint64             `json:"node_id"`
	Leader     uint64             `json:"leader"`
	Role       string             `json:"role"`
	State      string             `json:"state"`
	Term       uint64             `json:"term"`
	Commit     uint64             `json:"commit"`
	Applied    uint64             `json:"applied"`
	FirstIndex uint64             `json:"first_index"`
	LastIndex  uint64             `json:"last_index"`
	Peers      []cluster.PeerNode `json:"peers"`
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// waiter is a message waiting for its entry to be applied
type waiter struct {
	msg      apply.RaftMessage
	deadline time.Time
}

// Node is the consensus driver. One goroutine owns the consensus engine and the storage:
// it ticks the clock, feeds the pipeline into the engine and handles its Ready batches.
type Node struct {
	cfg      Config
	storage  *storage.RaftMachineStorage
	pipeline *apply.RaftMachineApply
	metadata *cluster.Metadata
	applier  Applier
	members  MemberStore
	sender   Sender

	mu   sync.RWMutex // guards raft (nil until started)
	raft raft.Node

	// owned by the run goroutine
	proposals        map[uuid.UUID]waiter
	confChanges      map[uint64]waiter
	appliedSinceSnap uint64

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
}

// New creates a driver. Call Start to run it.
func New(cfg Config, s *storage.RaftMachineStorage, pipeline *apply.RaftMachineApply,
	metadata *cluster.Metadata, applier Applier, members MemberStore, sender Sender) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		cfg:         cfg,
		storage:     s,
		pipeline:    pipeline,
		metadata:    metadata,
		applier:     applier,
		members:     members,
		sender:      sender,
		proposals:   make(map[uuid.UUID]waiter),
		confChanges: make(map[uint64]waiter),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
	}, nil
}

// Start starts (or restarts) the consensus engine and the driver goroutine
func (n *Node) Start() error {
	hs, cs, err := n.storage.InitialState()
	if err != nil {
		return fmt.Errorf("failed to load initial state: %w", err)
	}
	last, _ := n.storage.LastIndex()
	applied := n.storage.AppliedIndex()

	// members recorded by earlier conf changes win over the static config
	if recorded, err := n.members.ListMembers(); err != nil {
		log.Warningf("failed to load recorded members: %v", err)
	} else {
		for id, addr := range recorded {
			n.metadata.AddPeer(id, addr)
		}
	}
	// static peers removed by a conf change are not members anymore
	if len(cs.Voters)+len(cs.Learners) > 0 {
		n.pruneMembers(cs)
	}

	rcfg := n.cfg.raftConfig(n.storage, applied)
	var rn raft.Node
	switch {
	case last == 0 && raft.IsEmptyHardState(hs) && !n.cfg.Join:
		peers := make([]raft.Peer, 0, len(n.cfg.Peers))
		for id, addr := range n.cfg.Peers {
			peers = append(peers, raft.Peer{ID: id, Context: []byte(addr)})
		}
		log.Infof("node %d bootstrapping a new group with %d members", n.cfg.NodeID, len(peers))
		rn = raft.StartNode(rcfg, peers)
	default:
		log.Infof("node %d restarting (last index %d, applied %d, term %d)", n.cfg.NodeID, last, applied, hs.Term)
		rn = raft.RestartNode(rcfg)
	}

	n.mu.Lock()
	n.raft = rn
	n.mu.Unlock()

	n.metadata.SetState(cluster.NodeStateRunning)
	go n.run()
	return nil
}

// Stop stops the driver and the consensus engine. Pending callers receive apply.ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.metadata.SetState(cluster.NodeStateStopping)
		n.pipeline.Stop()
		close(n.stopc)

		n.mu.RLock()
		started := n.raft != nil
		n.mu.RUnlock()
		if started {
			<-n.donec
		}
		n.metadata.SetState(cluster.NodeStateStopped)
		log.Infof("node %d stopped", n.cfg.NodeID)
	})
}

// ReportUnreachable tells the engine that a message to id could not be delivered
func (n *Node) ReportUnreachable(id uint64) {
	if rn := n.node(); rn != nil {
		rn.ReportUnreachable(id)
	}
}

// ReportSnapshot tells the engine the result of sending a snapshot to id
func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	if rn := n.node(); rn != nil {
		rn.ReportSnapshot(id, status)
	}
}

// Status returns the current status of the local node
func (n *Node) Status() Status {
	first, _ := n.storage.FirstIndex()
	last, _ := n.storage.LastIndex()
	st := Status{
		NodeID:     n.cfg.NodeID,
		Leader:     n.metadata.Leader(),
		Role:       n.metadata.Role().String(),
		State:      n.metadata.State().String(),
		FirstIndex: first,
		LastIndex:  last,
		Applied:    n.storage.AppliedIndex(),
		Peers:      n.metadata.Peers(),
	}
	if rn := n.node(); rn != nil {
		rs := rn.Status()
		st.Term = rs.Term
		st.Commit = rs.Commit
	}
	return st
}

func (n *Node) node() raft.Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.raft
}

// --------------------------------------------------------------------------
// Driver loop
// --------------------------------------------------------------------------

func (n *Node) run() {
	defer close(n.donec)

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	rn := n.node()
	defer rn.Stop()

	for {
		select {
		case <-ticker.C:
			rn.Tick()
			n.expireWaiters(time.Now())

		case msg := <-n.pipeline.Queue():
			n.handleMessage(rn, msg)

		case rd := <-rn.Ready():
			n.handleReady(rn, rd)

		case <-n.stopc:
			n.failWaiters(apply.ErrStopped)
			return
		}
	}
}

// handleMessage feeds one pipeline message into the engine.
// Calls into the engine are bounded by a few ticks, callers wait for the commit in the pipeline.
func (n *Node) handleMessage(rn raft.Node, msg apply.RaftMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.TickInterval*engineCallTicks)
	defer cancel()

	switch m := msg.(type) {
	case *apply.ProposeMessage:
		// the engine drops its proposal channel without a leader, the cache may lag behind
		if rn.Status().Lead == raft.None {
			m.Complete(store.NewError(store.RetCNoLeader, "no leader known, can not propose"))
			return
		}
		if err := rn.Propose(ctx, m.Data); err != nil {
			m.Complete(proposeError(err))
			return
		}
		n.proposals[m.ID] = waiter{msg: m, deadline: time.Now().Add(n.pipeline.Timeout())}

	case *apply.StepMessage:
		m.Complete(rn.Step(ctx, m.Msg))

	case *apply.ConfChangeMessage:
		if rn.Status().Lead == raft.None {
			m.Complete(store.NewError(store.RetCNoLeader, "no leader known, can not change membership"))
			return
		}
		if err := rn.ProposeConfChange(ctx, m.Change); err != nil {
			m.Complete(proposeError(err))
			return
		}
		n.confChanges[m.Change.ID] = waiter{msg: m, deadline: time.Now().Add(n.pipeline.Timeout())}

	case *apply.TransferLeaderMessage:
		lead := rn.Status().Lead
		if lead == raft.None {
			m.Complete(store.NewError(store.RetCNoLeader, "no leader known, can not transfer leadership"))
			return
		}
		if _, ok := n.metadata.GetNode(m.Transferee); !ok {
			m.Complete(store.Errorf(store.RetCValidation, "node %d is not a member", m.Transferee))
			return
		}
		rn.TransferLeadership(ctx, lead, m.Transferee)
		m.Complete(nil)

	default:
		log.Errorf("unknown pipeline message %T", msg)
		msg.Complete(store.Errorf(store.RetCUnsupportedOperation, "unknown message %T", msg))
	}
}

// handleReady persists and applies one Ready batch of the engine
func (n *Node) handleReady(rn raft.Node, rd raft.Ready) {
	metrics.GetOrCreateCounter(`placement_raft_ready_total`).Inc()

	if rd.SoftState != nil {
		n.metadata.SetLeader(rd.SoftState.Lead)
		n.metadata.SetRole(roleOf(rd.SoftState.RaftState))
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		n.installSnapshot(rd.Snapshot)
	}

	if err := n.storage.Append(rd.Entries); err != nil {
		fatalf("failed to append %d entries: %v", len(rd.Entries), err)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			fatalf("failed to persist hard state: %v", err)
		}
	}

	if len(rd.Messages) > 0 {
		n.sender.Send(rd.Messages)
	}

	for _, e := range rd.CommittedEntries {
		n.applyEntry(rn, e)
	}

	n.maybeSnapshot()
	rn.Advance()
}

// installSnapshot replaces the local state with a snapshot received from the leader
func (n *Node) installSnapshot(snap pb.Snapshot) {
	err := n.storage.ApplySnapshot(snap)
	if errors.Is(err, storage.ErrSnapshotOutOfDate) {
		log.Warningf("ignoring stale snapshot: %v", err)
		return
	}
	if err != nil {
		fatalf("failed to apply snapshot at %d: %v", snap.Metadata.Index, err)
	}

	// the snapshot carries the member addresses, the conf state decides who is a member
	recorded, err := n.members.ListMembers()
	if err != nil {
		log.Errorf("failed to load members from snapshot: %v", err)
	}
	cs := snap.Metadata.ConfState
	for _, id := range append(cs.Voters, cs.Learners...) {
		n.metadata.AddPeer(id, recorded[id])
	}
	n.pruneMembers(cs)
	n.appliedSinceSnap = 0
	metrics.GetOrCreateCounter(`placement_raft_snapshots_installed_total`).Inc()
}

// applyEntry applies one committed entry and completes its waiter
func (n *Node) applyEntry(rn raft.Node, e pb.Entry) {
	addedMember := false

	switch e.Type {
	case pb.EntryNormal:
		if len(e.Data) > 0 {
			n.applyCommand(e)
		}
	case pb.EntryConfChange:
		var cc pb.ConfChange
		if err := cc.Unmarshal(e.Data); err != nil {
			fatalf("failed to decode conf change at %d: %v", e.Index, err)
		}
		n.applyConfChange(rn, cc)
		addedMember = cc.Type == pb.ConfChangeAddNode || cc.Type == pb.ConfChangeAddLearnerNode
		if w, ok := n.confChanges[cc.ID]; ok {
			delete(n.confChanges, cc.ID)
			w.msg.Complete(nil)
		}
	case pb.EntryConfChangeV2:
		var cc pb.ConfChangeV2
		if err := cc.Unmarshal(e.Data); err != nil {
			fatalf("failed to decode conf change at %d: %v", e.Index, err)
		}
		cs := rn.ApplyConfChange(cc)
		if err := n.storage.SetConfState(*cs); err != nil {
			fatalf("failed to persist conf state: %v", err)
		}
	}

	if err := n.storage.CommitIndex(e.Index); err != nil {
		fatalf("failed to commit index %d: %v", e.Index, err)
	}
	n.appliedSinceSnap++
	metrics.GetOrCreateCounter(`placement_raft_applied_entries_total`).Inc()

	// a new member that needs a snapshot can only restore one that contains it
	if addedMember && n.cfg.SnapshotEntries > 0 {
		n.appliedSinceSnap = n.cfg.SnapshotEntries
		n.maybeSnapshot()
	}
}

func (n *Node) applyCommand(e pb.Entry) {
	data, err := apply.DeserializeStorageData(e.Data)
	if err != nil {
		// agreed upon by the majority, nobody can be told
		metrics.GetOrCreateCounter(`placement_raft_decode_errors_total`).Inc()
		log.Errorf("skipping undecodable entry %d: %v", e.Index, err)
		return
	}

	applyErr := n.applier.Apply(data)
	if applyErr != nil {
		metrics.GetOrCreateCounter(`placement_raft_apply_errors_total`).Inc()
		log.Errorf("failed to apply %s entry %d: %v", data.Type, e.Index, applyErr)
	}

	if w, ok := n.proposals[data.ID]; ok {
		delete(n.proposals, data.ID)
		w.msg.Complete(applyErr)
	}
}

func (n *Node) applyConfChange(rn raft.Node, cc pb.ConfChange) {
	cs := rn.ApplyConfChange(cc)
	if err := n.storage.SetConfState(*cs); err != nil {
		fatalf("failed to persist conf state: %v", err)
	}

	switch cc.Type {
	case pb.ConfChangeAddNode, pb.ConfChangeAddLearnerNode:
		addr := string(cc.Context)
		n.metadata.AddPeer(cc.NodeID, addr)
		if err := n.members.SaveMember(cc.NodeID, addr); err != nil {
			fatalf("failed to record member %d: %v", cc.NodeID, err)
		}
		log.Infof("member %d (%s) added", cc.NodeID, addr)
	case pb.ConfChangeRemoveNode:
		n.metadata.RemovePeer(cc.NodeID)
		if err := n.members.DeleteMember(cc.NodeID); err != nil {
			fatalf("failed to remove member %d: %v", cc.NodeID, err)
		}
		if cc.NodeID == n.cfg.NodeID {
			log.Warningf("local node %d was removed from the group", cc.NodeID)
		} else {
			log.Infof("member %d removed", cc.NodeID)
		}
	}
}

func (n *Node) maybeSnapshot() {
	if n.cfg.SnapshotEntries == 0 || n.appliedSinceSnap < n.cfg.SnapshotEntries {
		return
	}
	if _, err := n.storage.CreateSnapshot(); err != nil {
		log.Errorf("failed to create snapshot: %v", err)
		return
	}
	n.appliedSinceSnap = 0
	metrics.GetOrCreateCounter(`placement_raft_snapshots_created_total`).Inc()
}

// pruneMembers drops cached peers that are not part of cs
func (n *Node) pruneMembers(cs pb.ConfState) {
	inConf := make(map[uint64]bool)
	for _, id := range append(cs.Voters, cs.Learners...) {
		inConf[id] = true
	}
	for _, id := range n.metadata.NodeIDs() {
		if !inConf[id] && id != n.cfg.NodeID {
			n.metadata.RemovePeer(id)
		}
	}
}

// expireWaiters forgets waiters whose caller already gave up
func (n *Node) expireWaiters(now time.Time) {
	for id, w := range n.proposals {
		if now.After(w.deadline) {
			delete(n.proposals, id)
		}
	}
	for id, w := range n.confChanges {
		if now.After(w.deadline) {
			delete(n.confChanges, id)
		}
	}
}

func (n *Node) failWaiters(err error) {
	for id, w := range n.proposals {
		w.msg.Complete(err)
		delete(n.proposals, id)
	}
	for id, w := range n.confChanges {
		w.msg.Complete(err)
		delete(n.confChanges, id)
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func roleOf(s raft.StateType) cluster.Role {
	switch s {
	case raft.StateLeader:
		return cluster.RoleLeader
	case raft.StateCandidate:
		return cluster.RoleCandidate
	case raft.StatePreCandidate:
		return cluster.RolePreCandidate
	default:
		return cluster.RoleFollower
	}
}

func proposeError(err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return store.Errorf(store.RetCNoLeader, "proposal dropped: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.Errorf(store.RetCNoLeader, "proposal not accepted in time: %v", err)
	default:
		return store.Errorf(store.RetCInternalError, "proposal failed: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Errorf("%s", msg)
	panic(msg)
}
