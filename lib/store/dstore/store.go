package dstore

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/lib/store/dstore/internal"
	"github.com/ValentinKolb/placement/lib/store/lstore"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// Proposer replicates a command and returns once it was applied (see apply.RaftMachineApply)
type Proposer interface {
	ProposeCommand(data apply.StorageData, action string) error
}

// storeImpl is the replicated implementation of store.IStore.
// Writes go through the propose/apply pipeline, reads are served by the local store.
type storeImpl struct {
	proposer Proposer
	local    store.IStore
}

// NewDistributedStore creates a store that replicates every write through proposer.
// local must be the store the DataRouter of this node writes to.
func NewDistributedStore(proposer Proposer, local store.IStore) store.IStore {
	return &storeImpl{
		proposer: proposer,
		local:    local,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if len(value) == 0 {
		return store.NewError(store.RetCValidation, "value cannot be empty")
	}
	cmd := internal.Command{Key: key, Value: value}
	return propose(s.proposer, apply.StorageDataTKVSet, cmd, "set "+key)
}

func (s *storeImpl) Delete(key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	cmd := internal.Command{Key: key}
	return propose(s.proposer, apply.StorageDataTKVDelete, cmd, "delete "+key)
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	return s.local.Get(key)
}

func (s *storeImpl) Exists(key string) (bool, error) {
	return s.local.Exists(key)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.local.GetDBInfo()
}

// --------------------------------------------------------------------------
// Node Registry
// --------------------------------------------------------------------------

// Registry is the replicated registry of the nodes of managed clusters
type Registry struct {
	proposer Proposer
	nodes    *lstore.NodeStorage
}

// NewRegistry creates a registry that replicates every write through proposer
func NewRegistry(proposer Proposer, nodes *lstore.NodeStorage) *Registry {
	return &Registry{
		proposer: proposer,
		nodes:    nodes,
	}
}

// RegisterNode registers (or updates) a node
func (r *Registry) RegisterNode(node lstore.BrokerNode) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if node.CreateTime == 0 {
		node.CreateTime = uint64(time.Now().Unix())
	}
	data, err := json.Marshal(node)
	if err != nil {
		return store.Errorf(store.RetCInternalError, "failed to encode node: %v", err)
	}
	cmd := internal.Command{Key: node.ClusterName, Value: data}
	return propose(r.proposer, apply.StorageDataTClusterRegisterNode, cmd, "register node")
}

// UnregisterNode removes a node
func (r *Registry) UnregisterNode(clusterName string, nodeID uint64) error {
	if err := store.ValidateName("cluster name", clusterName); err != nil {
		return err
	}
	cmd := internal.Command{Key: clusterName, Value: internal.EncodeNodeID(nodeID)}
	return propose(r.proposer, apply.StorageDataTClusterUnregisterNode, cmd, "unregister node")
}

// ListNodes returns the locally known nodes of a cluster (all nodes for an empty name)
func (r *Registry) ListNodes(clusterName string) ([]lstore.BrokerNode, error) {
	return r.nodes.List(clusterName)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// propose wraps cmd into an envelope, proposes it and translates the result into a *store.Error
func propose(p Proposer, t apply.StorageDataType, cmd internal.Command, action string) error {
	err := p.ProposeCommand(apply.NewStorageData(t, cmd.Serialize()), action)
	if err != nil {
		log.Debugf("%s failed: %v", action, err)
	}
	return StoreError(err)
}

// StoreError translates an error of the propose/apply pipeline into a *store.Error
func StoreError(err error) error {
	if err == nil {
		return nil
	}

	var storeErr *store.Error
	var timeoutErr *apply.CommitTimeoutError
	switch {
	case errors.As(err, &storeErr):
		return storeErr
	case errors.As(err, &timeoutErr):
		return store.NewError(store.RetCCommitTimeout, timeoutErr.Error())
	case errors.Is(err, ErrDecode), errors.Is(err, apply.ErrDecode):
		return store.NewError(store.RetCDecode, err.Error())
	case errors.Is(err, apply.ErrStopped):
		return store.NewError(store.RetCUnreachable, err.Error())
	default:
		log.Errorf("pipeline failed: %v", err)
		return store.NewError(store.RetCInternalError, err.Error())
	}
}
