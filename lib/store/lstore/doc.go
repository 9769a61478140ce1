// Package lstore implements the local, non replicated storage of the placement center
// on the cluster partition of a db.IEngine.
//
// It contains two stores:
//
//   - The kv namespace (NewLocalStore), implementing store.IStore. Keys are stored
//     below '/kv/'. Set is an upsert.
//   - The node registry (NodeStorage), holding the nodes registered by managed
//     clusters below '/clusters/node/{cluster}/{id}' and one record per cluster
//     below '/clusters/info/{type}/{name}'.
//
// Every value is wrapped in a StorageDataWrap which prefixes the payload with its
// creation time (unix seconds, 8 bytes big endian).
//
// On a cluster node these stores are only written by the state machine (see dstore),
// i.e. strictly in commit order, with the create time stamped by the proposer (SetAt).
// Reads may happen concurrently from any goroutine.
//
// Usage Example:
//
//	engine, _ := pebble.NewInMemoryPebbleDB()
//	kv := lstore.NewLocalStore(engine)
//	_ = kv.Set("a", []byte("1"))
//	value, found, err := kv.Get("a")
package lstore
