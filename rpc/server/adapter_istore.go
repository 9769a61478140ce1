package server

import (
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
)

// NewIStoreServerAdapter creates the adapter of the kv service.
// Writes are forwarded to the leader, reads are served locally unless strictReads is set.
func NewIStoreServerAdapter(kv store.IStore, fwd *leaderForwarder, strictReads bool) IRPCServerAdapter {
	return &iStoreServerAdapterImpl{
		kv:          kv,
		fwd:         fwd,
		strictReads: strictReads,
	}
}

type iStoreServerAdapterImpl struct {
	kv          store.IStore
	fwd         *leaderForwarder
	strictReads bool
}

func (adapter *iStoreServerAdapterImpl) Handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTKVSet:
		if err := store.ValidateKey(req.Key); err != nil {
			return common.NewSetResponse(err)
		}
		if len(req.Value) == 0 {
			return common.NewSetResponse(store.NewError(store.RetCValidation, "value cannot be empty"))
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceKV, "Set", req); ok {
			return resp
		}
		return common.NewSetResponse(adapter.kv.Set(req.Key, req.Value))

	case common.MsgTKVDelete:
		if err := store.ValidateKey(req.Key); err != nil {
			return common.NewDeleteResponse(err)
		}
		if resp, ok := adapter.fwd.toLeader(common.ServiceKV, "Delete", req); ok {
			return resp
		}
		return common.NewDeleteResponse(adapter.kv.Delete(req.Key))

	case common.MsgTKVGet:
		if adapter.strictReads {
			if resp, ok := adapter.fwd.toLeader(common.ServiceKV, "Get", req); ok {
				return resp
			}
		}
		val, ok, err := adapter.kv.Get(req.Key)
		return common.NewGetResponse(val, ok, err)

	case common.MsgTKVExists:
		if adapter.strictReads {
			if resp, ok := adapter.fwd.toLeader(common.ServiceKV, "Exists", req); ok {
				return resp
			}
		}
		ok, err := adapter.kv.Exists(req.Key)
		return common.NewExistsResponse(ok, err)

	default:
		return common.NewErrorResponse(
			store.Errorf(store.RetCUnsupportedOperation, "kv service: unsupported message type %s", req.MsgType),
		)
	}
}
