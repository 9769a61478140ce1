package dstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/placement/lib/raft/apply"
	"github.com/ValentinKolb/placement/lib/store/dstore/internal"
	"github.com/ValentinKolb/placement/lib/store/lstore"
)

// ErrDecode is returned by the router when a committed command can not be decoded.
// It is distinct from the storage errors of the local stores.
var ErrDecode = errors.New("dstore: failed to decode committed command")

// --------------------------------------------------------------------------
// Data Router
// --------------------------------------------------------------------------

// DataRouter is the state machine of the placement center. It decodes committed
// commands and applies them to the local stores. It must only be called by the
// consensus driver, strictly in commit order.
type DataRouter struct {
	kv    lstore.ILocalStore
	nodes *lstore.NodeStorage
}

// NewDataRouter creates a router on top of the local stores
func NewDataRouter(kv lstore.ILocalStore, nodes *lstore.NodeStorage) *DataRouter {
	return &DataRouter{
		kv:    kv,
		nodes: nodes,
	}
}

// Apply applies one committed command
func (r *DataRouter) Apply(data apply.StorageData) error {
	cmd := internal.Command{}
	if err := cmd.Deserialize(data.Value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, data.Type, err)
	}

	switch data.Type {
	case apply.StorageDataTKVSet:
		return r.kv.SetAt(cmd.Key, cmd.Value, data.CreateTime)

	case apply.StorageDataTKVDelete:
		return r.kv.Delete(cmd.Key)

	case apply.StorageDataTClusterRegisterNode:
		var node lstore.BrokerNode
		if err := json.Unmarshal(cmd.Value, &node); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, data.Type, err)
		}
		if node.CreateTime == 0 {
			node.CreateTime = data.CreateTime
		}
		return r.nodes.Save(node)

	case apply.StorageDataTClusterUnregisterNode:
		id, err := internal.DecodeNodeID(cmd.Value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, data.Type, err)
		}
		return r.nodes.Delete(cmd.Key, id)

	default:
		return fmt.Errorf("%w: unknown command type %s", ErrDecode, data.Type)
	}
}
