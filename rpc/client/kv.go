package client

import (
	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
)

// --------------------------------------------------------------------------
// Typed calls of the kv service
// --------------------------------------------------------------------------

// KVSet stores value under key
func (p *ClientPool) KVSet(addrs []string, key string, value []byte) error {
	_, err := p.RetryCall(common.ServiceKV, "Set", addrs, common.NewSetRequest(key, value))
	return err
}

// KVDelete removes key
func (p *ClientPool) KVDelete(addrs []string, key string) error {
	_, err := p.RetryCall(common.ServiceKV, "Delete", addrs, common.NewDeleteRequest(key))
	return err
}

// KVGet reads key
func (p *ClientPool) KVGet(addrs []string, key string) ([]byte, bool, error) {
	resp, err := p.RetryCall(common.ServiceKV, "Get", addrs, common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// KVExists checks whether key exists
func (p *ClientPool) KVExists(addrs []string, key string) (bool, error) {
	resp, err := p.RetryCall(common.ServiceKV, "Exists", addrs, common.NewExistsRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// --------------------------------------------------------------------------
// store.IStore over rpc
// --------------------------------------------------------------------------

// NewRPCStore returns a store.IStore that sends every operation to the members at addrs
func NewRPCStore(pool *ClientPool, addrs []string) store.IStore {
	return &rpcStore{pool: pool, addrs: addrs}
}

type rpcStore struct {
	pool  *ClientPool
	addrs []string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (s *rpcStore) Set(key string, value []byte) error {
	return s.pool.KVSet(s.addrs, key, value)
}

func (s *rpcStore) Delete(key string) error {
	return s.pool.KVDelete(s.addrs, key)
}

func (s *rpcStore) Get(key string) ([]byte, bool, error) {
	return s.pool.KVGet(s.addrs, key)
}

func (s *rpcStore) Exists(key string) (bool, error) {
	return s.pool.KVExists(s.addrs, key)
}

// GetDBInfo is not available over rpc
func (s *rpcStore) GetDBInfo() (db.DatabaseInfo, error) {
	return db.DatabaseInfo{}, store.NewError(store.RetCUnsupportedOperation, "GetDBInfo is not available over rpc")
}
