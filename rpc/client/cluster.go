package client

import (
	"encoding/json"

	"github.com/ValentinKolb/placement/lib/raft/node"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"github.com/ValentinKolb/placement/rpc/common"
)

// --------------------------------------------------------------------------
// Typed calls of the cluster service
// --------------------------------------------------------------------------

// RegisterNode registers (or updates) a node of a managed cluster
func (p *ClientPool) RegisterNode(addrs []string, n lstore.BrokerNode) error {
	data, err := json.Marshal(n)
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to encode node: %v", err)
	}
	_, err = p.RetryCall(common.ServiceCluster, "RegisterNode", addrs, common.NewRegisterNodeRequest(data))
	return err
}

// UnregisterNode removes a registered node
func (p *ClientPool) UnregisterNode(addrs []string, clusterName string, nodeID uint64) error {
	_, err := p.RetryCall(common.ServiceCluster, "UnregisterNode", addrs, common.NewUnregisterNodeRequest(clusterName, nodeID))
	return err
}

// ListNodes lists the registered nodes of a cluster (all nodes for an empty name)
func (p *ClientPool) ListNodes(addrs []string, clusterName string) ([]lstore.BrokerNode, error) {
	resp, err := p.RetryCall(common.ServiceCluster, "ListNodes", addrs, common.NewListNodesRequest(clusterName))
	if err != nil {
		return nil, err
	}
	var nodes []lstore.BrokerNode
	if err := json.Unmarshal(resp.Value, &nodes); err != nil {
		return nil, store.Errorf(store.RetCDecode, "failed to decode node list: %v", err)
	}
	return nodes, nil
}

// Status returns the consensus status of the member at addr
func (p *ClientPool) Status(addr string) (node.Status, error) {
	var status node.Status
	resp, err := p.Call(common.ServiceCluster, "Status", addr, common.NewStatusRequest())
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(resp.Value, &status); err != nil {
		return status, store.Errorf(store.RetCDecode, "failed to decode status: %v", err)
	}
	return status, nil
}
