// Package transport defines the byte level contract between RPC clients and servers.
//
// A request is a byte slice addressed to a service id (kv, raft, cluster). Server
// transports hand it to a single ServerHandleFunc, client transports return the
// response bytes. Serialization happens above this layer.
//
// Implementations live in the subpackages tcp, unix and http. tcp and unix share the
// framed, multiplexed implementation of package base.
package transport
