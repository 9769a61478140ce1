// Package client talks to members of the placement center.
//
// ClientPool keeps lazily created connections per (service, address) pair, at most
// MaxConnections each. A checkout reuses an idle connection after checking its health,
// dials a new one when none is idle and blocks (bounded by the client timeout) when all
// connections are in use. A failed dial yields a *ConnectError.
//
// Call sends a request in a single attempt. RetryCall walks the given addresses round
// robin starting with the first, sleeps a linearly growing backoff between attempts and
// stops early on errors caused by the request itself (validation, decoding).
//
// Typed helpers exist for the kv service (KVSet, KVGet, ...), the raft service (Vote,
// AppendEntries, InstallSnapshot, SendRaftMessage, SendRaftConfChange, TransferLeader)
// and the cluster service (RegisterNode, UnregisterNode, ListNodes, Status).
// NewRPCStore wraps the kv helpers into a store.IStore.
//
// All errors are *store.Error values (or a *ConnectError), so callers can switch on the code.
//
//	pool := client.NewClientPool(common.DefaultClientConfig(), tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
//	defer pool.Close()
//	kv := client.NewRPCStore(pool, []string{"localhost:8080"})
//	_ = kv.Set("mykey", []byte("myvalue"))
package client
