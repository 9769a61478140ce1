package server

import (
	"strconv"

	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/dstore"
	"github.com/ValentinKolb/placement/rpc/common"
	"go.etcd.io/raft/v3/raftpb"
)

// NewRaftServerAdapter creates the adapter of the raft service.
// Consensus messages are stepped into the local engine, membership and
// leadership changes are forwarded to the leader.
func NewRaftServerAdapter(pipeline *apply.RaftMachineApply, fwd *leaderForwarder) IRPCServerAdapter {
	return &raftServerAdapterImpl{
		pipeline: pipeline,
		fwd:      fwd,
	}
}

type raftServerAdapterImpl struct {
	pipeline *apply.RaftMachineApply
	fwd      *leaderForwarder
}

func (adapter *raftServerAdapterImpl) Handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTRaftVote, common.MsgTRaftAppend, common.MsgTRaftSnapshot, common.MsgTRaftMessage:
		var msg raftpb.Message
		if err := msg.Unmarshal(req.Value); err != nil {
			return common.NewRaftResponse(req.MsgType, store.Errorf(store.RetCDecode, "failed to decode raft message: %v", err))
		}
		return common.NewRaftResponse(req.MsgType, dstore.StoreError(adapter.pipeline.Step(msg)))

	case common.MsgTRaftConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(req.Value); err != nil {
			return common.NewRaftResponse(req.MsgType, store.Errorf(store.RetCDecode, "failed to decode conf change: %v", err))
		}
		if err := validateConfChange(cc); err != nil {
			return common.NewRaftResponse(req.MsgType, err)
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceRaft, "SendRaftConfChange", req); ok {
			return resp
		}
		Logger.Infof("proposing conf change %s for node %d", cc.Type, cc.NodeID)
		return common.NewRaftResponse(req.MsgType, dstore.StoreError(adapter.pipeline.ProposeConfChange(cc)))

	case common.MsgTRaftTransferLeader:
		transferee, err := strconv.ParseUint(req.Key, 10, 64)
		if err != nil || transferee == 0 {
			return common.NewRaftResponse(req.MsgType, store.Errorf(store.RetCValidation, "invalid transferee %q", req.Key))
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceRaft, "TransferLeader", req); ok {
			return resp
		}
		Logger.Infof("transferring leadership to node %d", transferee)
		return common.NewRaftResponse(req.MsgType, dstore.StoreError(adapter.pipeline.TransferLeader(transferee)))

	default:
		return common.NewErrorResponse(
			store.Errorf(store.RetCUnsupportedOperation, "raft service: unsupported message type %s", req.MsgType),
		)
	}
}

// validateConfChange rejects changes the driver can not apply
func validateConfChange(cc raftpb.ConfChange) error {
	if cc.NodeID == 0 {
		return store.NewError(store.RetCValidation, "conf change needs a node id")
	}
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		if len(cc.Context) == 0 {
			return store.NewError(store.RetCValidation, "adding a node needs its address as context")
		}
	case raftpb.ConfChangeRemoveNode:
	default:
		return store.Errorf(store.RetCUnsupportedOperation, "conf change %s is not supported", cc.Type)
	}
	return nil
}
