package lstore

import (
	"encoding/json"
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/store"
)

// BrokerNode is a node of a managed cluster (e.g. a broker) registered at the placement center
type BrokerNode struct {
	ClusterName   string `json:"cluster_name"`
	ClusterType   string `json:"cluster_type"`
	NodeID        uint64 `json:"node_id"`
	NodeIP        string `json:"node_ip"`
	NodeInnerAddr string `json:"node_inner_addr"`
	Extend        string `json:"extend"`
	CreateTime    uint64 `json:"create_time"`
}

// ClusterInfo is the record written the first time a node of a cluster registers
type ClusterInfo struct {
	ClusterName string `json:"cluster_name"`
	ClusterType string `json:"cluster_type"`
	CreateTime  uint64 `json:"create_time"`
}

// Validate checks that name and type of the cluster can be used as key segments
func (n BrokerNode) Validate() error {
	if err := store.ValidateName("cluster name", n.ClusterName); err != nil {
		return err
	}
	return store.ValidateName("cluster type", n.ClusterType)
}

// NodeStorage manages registered nodes in the cluster partition
type NodeStorage struct {
	engine db.IEngine
}

// NewNodeStorage creates a node registry on top of engine
func NewNodeStorage(engine db.IEngine) *NodeStorage {
	return &NodeStorage{engine: engine}
}

// Save registers (or updates) a node. The cluster record is created if absent.
// Both writes are applied in one batch.
func (s *NodeStorage) Save(node BrokerNode) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if node.CreateTime == 0 {
		node.CreateTime = uint64(time.Now().Unix())
	}

	nodeData, err := json.Marshal(node)
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to encode node: %v", err)
	}

	batch := s.engine.NewBatch()
	defer batch.Close()

	clusterKey := store.KeyCluster(node.ClusterType, node.ClusterName)
	exists, err := s.engine.Has(db.PartitionCluster, clusterKey)
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to check cluster '%s': %v", node.ClusterName, err)
	}
	if !exists {
		clusterData, err := json.Marshal(ClusterInfo{
			ClusterName: node.ClusterName,
			ClusterType: node.ClusterType,
			CreateTime:  node.CreateTime,
		})
		if err != nil {
			return store.Errorf(store.RetCInternalError, "failed to encode cluster: %v", err)
		}
		batch.Set(db.PartitionCluster, clusterKey, NewStorageDataWrapAt(clusterData, node.CreateTime).Encode())
		log.Infof("created cluster record %s", clusterKey)
	}

	batch.Set(db.PartitionCluster, store.KeyNode(node.ClusterName, node.NodeID), NewStorageDataWrapAt(nodeData, node.CreateTime).Encode())
	if err := batch.Commit(); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to save node %d: %v", node.NodeID, err)
	}
	return nil
}

// Delete unregisters a node. Unknown nodes are ignored.
func (s *NodeStorage) Delete(clusterName string, nodeID uint64) error {
	if err := store.ValidateName("cluster name", clusterName); err != nil {
		return err
	}
	if err := s.engine.Delete(db.PartitionCluster, store.KeyNode(clusterName, nodeID)); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to delete node %d: %v", nodeID, err)
	}
	return nil
}

// Get returns a single registered node
func (s *NodeStorage) Get(clusterName string, nodeID uint64) (BrokerNode, bool, error) {
	raw, ok, err := s.engine.Get(db.PartitionCluster, store.KeyNode(clusterName, nodeID))
	if err != nil {
		return BrokerNode{}, false, store.Errorf(store.RetCInternalError, "failed to get node %d: %v", nodeID, err)
	}
	if !ok {
		return BrokerNode{}, false, nil
	}
	node, err := decodeNode(raw)
	if err != nil {
		return BrokerNode{}, false, err
	}
	return node, true, nil
}

// List returns all nodes of a cluster in key order. An empty cluster name lists every node.
func (s *NodeStorage) List(clusterName string) ([]BrokerNode, error) {
	var (
		nodes  []BrokerNode
		result error
	)
	err := s.engine.Scan(db.PartitionCluster, store.KeyNodePrefix(clusterName), func(key string, value []byte) bool {
		node, err := decodeNode(value)
		if err != nil {
			log.Errorf("skipping corrupt node record %s: %v", key, err)
			result = err
			return false
		}
		nodes = append(nodes, node)
		return true
	})
	if err != nil {
		return nil, store.Errorf(store.RetCInternalError, "failed to list nodes: %v", err)
	}
	return nodes, result
}

func decodeNode(raw []byte) (BrokerNode, error) {
	wrap, err := DecodeStorageDataWrap(raw)
	if err != nil {
		return BrokerNode{}, store.Errorf(store.RetCDecode, "invalid node envelope: %v", err)
	}
	var node BrokerNode
	if err := json.Unmarshal(wrap.Data, &node); err != nil {
		return BrokerNode{}, store.Errorf(store.RetCDecode, "invalid node record: %v", err)
	}
	return node, nil
}
