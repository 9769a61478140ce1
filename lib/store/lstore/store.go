package lstore

import (
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// ILocalStore is the kv namespace of a single node.
// SetAt is used by the data router, it writes the create time of the committed command.
type ILocalStore interface {
	store.IStore
	SetAt(key string, value []byte, createTime uint64) error
}

// storeImpl is the kv namespace stored directly in the cluster partition of the engine.
type storeImpl struct {
	engine db.IEngine
}

// NewLocalStore creates a new local store instance.
// This store implementation is not replicated: every write goes straight to the engine.
// On a cluster node only the data router writes through it, reads are served from it directly.
func NewLocalStore(engine db.IEngine) ILocalStore {
	return &storeImpl{
		engine: engine,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	return s.SetAt(key, value, uint64(time.Now().Unix()))
}

func (s *storeImpl) SetAt(key string, value []byte, createTime uint64) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := s.engine.Set(db.PartitionCluster, store.KeyKV(key), NewStorageDataWrapAt(value, createTime).Encode()); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to set '%s': %v", key, err)
	}
	return nil
}

func (s *storeImpl) Delete(key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := s.engine.Delete(db.PartitionCluster, store.KeyKV(key)); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to delete '%s': %v", key, err)
	}
	return nil
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, false, err
	}

	raw, ok, err := s.engine.Get(db.PartitionCluster, store.KeyKV(key))
	if err != nil {
		return nil, false, store.Errorf(store.RetCInternalError, "failed to get '%s': %v", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	wrap, err := DecodeStorageDataWrap(raw)
	if err != nil {
		log.Errorf("corrupt value for key '%s': %v", key, err)
		return nil, false, store.Errorf(store.RetCDecode, "failed to decode '%s': %v", key, err)
	}
	return wrap.Data, true, nil
}

func (s *storeImpl) Exists(key string) (bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.engine.Has(db.PartitionCluster, store.KeyKV(key))
	if err != nil {
		return false, store.Errorf(store.RetCInternalError, "failed to check '%s': %v", key, err)
	}
	return ok, nil
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.engine.GetInfo(), nil
}
