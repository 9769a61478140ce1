package server

import (
	"encoding/json"
	"strconv"

	"github.com/ValentinKolb/placement/lib/raft/node"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/dstore"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"github.com/ValentinKolb/placement/rpc/common"
)

// StatusProvider returns the consensus status of the local node (see node.Node)
type StatusProvider interface {
	Status() node.Status
}

// NewClusterServerAdapter creates the adapter of the cluster service: the node
// registry of managed clusters and the status of the local node.
func NewClusterServerAdapter(registry *dstore.Registry, status StatusProvider, fwd *leaderForwarder) IRPCServerAdapter {
	return &clusterServerAdapterImpl{
		registry: registry,
		status:   status,
		fwd:      fwd,
	}
}

type clusterServerAdapterImpl struct {
	registry *dstore.Registry
	status   StatusProvider
	fwd      *leaderForwarder
}

func (adapter *clusterServerAdapterImpl) Handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTClusterRegisterNode:
		var n lstore.BrokerNode
		if err := json.Unmarshal(req.Value, &n); err != nil {
			return common.NewClusterResponse(req.MsgType, store.Errorf(store.RetCDecode, "failed to decode node: %v", err))
		}
		if err := n.Validate(); err != nil {
			return common.NewClusterResponse(req.MsgType, err)
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceCluster, "RegisterNode", req); ok {
			return resp
		}
		return common.NewClusterResponse(req.MsgType, adapter.registry.RegisterNode(n))

	case common.MsgTClusterUnregisterNode:
		nodeID, err := strconv.ParseUint(string(req.Value), 10, 64)
		if err != nil {
			return common.NewClusterResponse(req.MsgType, store.Errorf(store.RetCValidation, "invalid node id %q", req.Value))
		}
		if err := store.ValidateName("cluster name", req.Key); err != nil {
			return common.NewClusterResponse(req.MsgType, err)
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceCluster, "UnregisterNode", req); ok {
			return resp
		}
		return common.NewClusterResponse(req.MsgType, adapter.registry.UnregisterNode(req.Key, nodeID))

	case common.MsgTClusterListNodes:
		nodes, err := adapter.registry.ListNodes(req.Key)
		if err != nil {
			return common.NewValueResponse(req.MsgType, nil, err)
		}
		if nodes == nil {
			nodes = []lstore.BrokerNode{}
		}
		return encodeValue(req.MsgType, nodes)

	case common.MsgTClusterStatus:
		return encodeValue(req.MsgType, adapter.status.Status())

	default:
		return common.NewErrorResponse(
			store.Errorf(store.RetCUnsupportedOperation, "cluster service: unsupported message type %s", req.MsgType),
		)
	}
}

// encodeValue returns a response of type t carrying v as json
func encodeValue(t common.MessageType, v any) *common.Message {
	data, err := json.Marshal(v)
	if err != nil {
		return common.NewValueResponse(t, nil, store.Errorf(store.RetCInternalError, "failed to encode response: %v", err))
	}
	return common.NewValueResponse(t, data, nil)
}
