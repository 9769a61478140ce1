// Package rpc is the communication layer of the placement center.
//
// One listener per node serves three services, selected by the service id of a frame:
//
//   - kv: Set, Delete, Get and Exists for clients
//   - raft: Vote, AppendEntries, InstallSnapshot, SendRaftMessage, SendRaftConfChange
//     and TransferLeader between members
//   - cluster: the node registry and the status of a member
//
// Subpackages:
//
//   - common: the Message protocol, configuration structures and logging
//   - serializer: Message encoding (Binary, JSON, GOB)
//   - transport: pluggable byte transports (TCP, Unix sockets, HTTP)
//   - client: the per peer connection pool, the retry dispatcher and typed call helpers
//   - server: the service adapters and the wiring of a complete node
package rpc
