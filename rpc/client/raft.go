package client

import (
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
	"go.etcd.io/raft/v3/raftpb"
)

// --------------------------------------------------------------------------
// Typed calls of the raft service
// --------------------------------------------------------------------------

// Vote delivers a (pre)vote request or response to the member at addr
func (p *ClientPool) Vote(addr string, msg raftpb.Message) error {
	return p.sendRaft("Vote", common.MsgTRaftVote, addr, msg)
}

// AppendEntries delivers append, heartbeat and all other messages to the member at addr
func (p *ClientPool) AppendEntries(addr string, msg raftpb.Message) error {
	return p.sendRaft("AppendEntries", common.MsgTRaftAppend, addr, msg)
}

// InstallSnapshot delivers a snapshot message to the member at addr
func (p *ClientPool) InstallSnapshot(addr string, msg raftpb.Message) error {
	return p.sendRaft("InstallSnapshot", common.MsgTRaftSnapshot, addr, msg)
}

// SendRaftMessage delivers any raft message, the receiver routes it by its type
func (p *ClientPool) SendRaftMessage(addr string, msg raftpb.Message) error {
	return p.sendRaft("SendRaftMessage", common.MsgTRaftMessage, addr, msg)
}

// SendRaftConfChange proposes a membership change. Followers forward it to the leader.
func (p *ClientPool) SendRaftConfChange(addrs []string, cc raftpb.ConfChange) error {
	data, err := cc.Marshal()
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to encode conf change: %v", err)
	}
	_, err = p.RetryCall(common.ServiceRaft, "SendRaftConfChange", addrs, common.NewRaftRequest(common.MsgTRaftConfChange, data))
	return err
}

// TransferLeader asks the group to hand leadership over to transferee
func (p *ClientPool) TransferLeader(addrs []string, transferee uint64) error {
	_, err := p.RetryCall(common.ServiceRaft, "TransferLeader", addrs, common.NewTransferLeaderRequest(transferee))
	return err
}

// sendRaft is a single attempt, the consensus engine retransmits on its own
func (p *ClientPool) sendRaft(iface string, t common.MessageType, addr string, msg raftpb.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to encode %s: %v", msg.Type, err)
	}
	_, err = p.Call(common.ServiceRaft, iface, addr, common.NewRaftRequest(t, data))
	return err
}
